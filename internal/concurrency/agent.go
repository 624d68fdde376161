package concurrency

import (
	"context"

	"github.com/danmuck/fixgate/internal/observability"
	"github.com/rs/zerolog"
)

// Agent is a unit of single-goroutine work driven by an AgentRunner.
type Agent interface {
	DoWork() (int, error)
	RoleName() string
	OnClose()
}

// AgentRunner drives one agent on the calling goroutine until ctx is done.
type AgentRunner struct {
	agent  Agent
	idle   IdleStrategy
	errs   observability.ErrorHandler
	logger zerolog.Logger
}

func NewAgentRunner(agent Agent, idle IdleStrategy, errs observability.ErrorHandler, logger zerolog.Logger) *AgentRunner {
	return &AgentRunner{
		agent:  agent,
		idle:   idle,
		errs:   errs,
		logger: logger.With().Str("agent", agent.RoleName()).Logger(),
	}
}

// Run blocks until ctx is cancelled. Errors from a cycle go to the fault sink
// and the loop continues.
func (r *AgentRunner) Run(ctx context.Context) error {
	r.logger.Info().Msg("agent.Run start")
	defer func() {
		r.agent.OnClose()
		r.logger.Info().Msg("agent.Run stopped")
	}()
	role := r.agent.RoleName()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		work, err := r.agent.DoWork()
		if err != nil {
			r.errs.OnError(err)
		}
		observability.RecordDutyCycle(role, work)
		r.idle.Idle(work)
	}
}
