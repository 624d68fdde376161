package work

// Continuation is a single idempotent step. Attempt may run more than once
// before it reports Done, so it must derive its inputs from current state.
type Continuation interface {
	Attempt() Result
}

// Func adapts a function to a Continuation.
type Func func() Result

func (f Func) Attempt() Result { return f() }

// Publish adapts a publish call returning a bus position.
type Publish func() int64

func (p Publish) Attempt() Result { return FromPosition(p()) }

// Await retries until ready reports true.
type Await func() bool

func (a Await) Attempt() Result {
	if a() {
		return Done
	}
	return Retry
}

// UnitOfWork runs its steps strictly in order. A step that is not Done stops
// the run; the next Attempt resumes at that step.
type UnitOfWork struct {
	steps  []Continuation
	cursor int
}

func NewUnitOfWork(steps ...Continuation) *UnitOfWork {
	return &UnitOfWork{steps: steps}
}

// Add appends a step; only valid before the first Attempt.
func (u *UnitOfWork) Add(steps ...Continuation) {
	u.steps = append(u.steps, steps...)
}

func (u *UnitOfWork) Attempt() Result {
	for u.cursor < len(u.steps) {
		r := u.steps[u.cursor].Attempt()
		if !r.IsDone() {
			return r
		}
		u.cursor++
	}
	return Done
}

// Len is the number of steps.
func (u *UnitOfWork) Len() int { return len(u.steps) }

// Cursor is the index of the next step to attempt.
func (u *UnitOfWork) Cursor() int { return u.cursor }
