package work

import (
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

type pending struct {
	correlationID int64
	correlated    bool
	c             Continuation
	done          bool
}

// RetryManager owns work that did not finish on its first attempt. It is not
// safe for concurrent use; the framer goroutine owns it.
type RetryManager struct {
	inFlight map[int64]*pending
	queue    *queue.Queue
	logger   zerolog.Logger
}

func NewRetryManager(logger zerolog.Logger) *RetryManager {
	return &RetryManager{
		inFlight: make(map[int64]*pending),
		queue:    queue.New(),
		logger:   logger,
	}
}

// FirstAttempt runs uow inline. If it needs another attempt it is queued for
// the next cycle under correlationID. A correlation id already in flight is
// left alone and reported as Retry.
func (m *RetryManager) FirstAttempt(correlationID int64, uow *UnitOfWork) Result {
	if _, ok := m.inFlight[correlationID]; ok {
		return Retry
	}
	r := uow.Attempt()
	m.observe(correlationID, r)
	if r.IsRetry() {
		p := &pending{correlationID: correlationID, correlated: true, c: uow}
		m.inFlight[correlationID] = p
		m.queue.Add(p)
	}
	return r
}

// Retry attempts the in-flight unit for a re-delivered request. ok is false
// when nothing is in flight under correlationID.
func (m *RetryManager) Retry(correlationID int64) (r Result, ok bool) {
	p, ok := m.inFlight[correlationID]
	if !ok {
		return Done, false
	}
	r = p.c.Attempt()
	m.observe(correlationID, r)
	if !r.IsRetry() {
		p.done = true
		delete(m.inFlight, correlationID)
	}
	return r, true
}

// InFlight reports whether correlationID has unfinished work.
func (m *RetryManager) InFlight(correlationID int64) bool {
	_, ok := m.inFlight[correlationID]
	return ok
}

// Schedule runs uncorrelated work inline and queues it if it must retry.
func (m *RetryManager) Schedule(c Continuation) Result {
	r := c.Attempt()
	m.observe(0, r)
	if r.IsRetry() {
		m.queue.Add(&pending{c: c})
	}
	return r
}

// AttemptSteps attempts every queued unit once, in FIFO order, and returns
// how many finished.
func (m *RetryManager) AttemptSteps() int {
	finished := 0
	for n := m.queue.Length(); n > 0; n-- {
		p := m.queue.Remove().(*pending)
		if p.done {
			continue
		}
		r := p.c.Attempt()
		m.observe(p.correlationID, r)
		if r.IsRetry() {
			m.queue.Add(p)
			continue
		}
		p.done = true
		if p.correlated {
			delete(m.inFlight, p.correlationID)
		}
		finished++
	}
	return finished
}

// Pending is the number of queued units, including ones finished by Retry
// that have not been swept yet.
func (m *RetryManager) Pending() int {
	return m.queue.Length()
}

func (m *RetryManager) observe(correlationID int64, r Result) {
	if r.IsFatal() {
		m.logger.Warn().
			Int64("correlation_id", correlationID).
			Str("result", r.String()).
			Msg("retry.observe unit ended")
	}
}

// RemoveIf drops every item for which done reports true, preserving order,
// and returns how many were dropped.
func RemoveIf[T any](items *[]T, done func(T) bool) int {
	kept := (*items)[:0]
	removed := 0
	for _, it := range *items {
		if done(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(*items); i++ {
		(*items)[i] = zero
	}
	*items = kept
	return removed
}
