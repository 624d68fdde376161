// Package work holds the retryable step model used by the framer: a
// Continuation is one idempotent step, a UnitOfWork is an ordered run of
// steps, and the RetryManager re-attempts whatever did not finish.
package work

import (
	"fmt"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/protocol"
)

type kind uint8

const (
	kindDone kind = iota
	kindRetry
	kindFatal
)

// Result is the outcome of one attempt.
type Result struct {
	kind kind
	err  protocol.GatewayError
}

var (
	Done  = Result{kind: kindDone}
	Retry = Result{kind: kindRetry}
)

// Fatal ends the unit. The step that returns it has already published the
// error reply.
func Fatal(e protocol.GatewayError) Result {
	return Result{kind: kindFatal, err: e}
}

// FromPosition maps a publish result: rejected publishes are retried.
func FromPosition(position int64) Result {
	if bus.IsBackPressured(position) {
		return Retry
	}
	return Done
}

func (r Result) IsDone() bool  { return r.kind == kindDone }
func (r Result) IsRetry() bool { return r.kind == kindRetry }
func (r Result) IsFatal() bool { return r.kind == kindFatal }

// Err is the gateway error carried by a Fatal result.
func (r Result) Err() protocol.GatewayError { return r.err }

// Action maps the result onto a subscription verdict.
func (r Result) Action() bus.Action {
	if r.kind == kindRetry {
		return bus.Abort
	}
	return bus.Continue
}

func (r Result) String() string {
	switch r.kind {
	case kindDone:
		return "done"
	case kindRetry:
		return "retry"
	default:
		return fmt.Sprintf("fatal(%s)", r.err)
	}
}
