package observability

import (
	"sync"

	"github.com/rs/zerolog"
)

// ErrorHandler is the process-wide fault sink. Faults reported here are
// operational signals, never protocol replies.
type ErrorHandler interface {
	OnError(err error)
}

// ErrorLog logs faults and counts them.
type ErrorLog struct {
	logger zerolog.Logger
}

func NewErrorLog(logger zerolog.Logger) *ErrorLog {
	RegisterMetrics()
	return &ErrorLog{logger: logger}
}

func (e *ErrorLog) OnError(err error) {
	if err == nil {
		return
	}
	faults.Inc()
	e.logger.Error().Err(err).Msg("fault")
}

// ErrorRecorder keeps faults in memory; used by tests and the admin surface.
type ErrorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *ErrorRecorder) OnError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *ErrorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

func (r *ErrorRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}
