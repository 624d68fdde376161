package concurrency

import (
	"math"
	"runtime"
	"time"
)

// IdleStrategy decides what a duty-cycle loop does after a cycle.
type IdleStrategy interface {
	// Idle is called with the work count of the last cycle.
	Idle(workCount int)
	Reset()
}

// BackoffConfig shapes the parking phase of BackoffIdleStrategy.
type BackoffConfig struct {
	MaxSpins     int
	MaxYields    int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxSpins:     10,
		MaxYields:    5,
		InitialDelay: time.Microsecond,
		Multiplier:   2.0,
		MaxDelay:     time.Millisecond,
	}
}

// NextParkDelay returns the park delay for attempt N (1-based).
func NextParkDelay(cfg BackoffConfig, attempt int) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// BackoffIdleStrategy spins, then yields, then parks with growing delays.
// Any work resets it.
type BackoffIdleStrategy struct {
	cfg    BackoffConfig
	spins  int
	yields int
	parks  int
	sleep  func(time.Duration)
}

func NewBackoffIdleStrategy(cfg BackoffConfig) *BackoffIdleStrategy {
	return &BackoffIdleStrategy{cfg: cfg, sleep: time.Sleep}
}

func (b *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}
	switch {
	case b.spins < b.cfg.MaxSpins:
		b.spins++
	case b.yields < b.cfg.MaxYields:
		b.yields++
		runtime.Gosched()
	default:
		b.parks++
		b.sleep(NextParkDelay(b.cfg, b.parks))
	}
}

func (b *BackoffIdleStrategy) Reset() {
	b.spins = 0
	b.yields = 0
	b.parks = 0
}

// NoOpIdleStrategy never waits; used by tests that step agents by hand.
type NoOpIdleStrategy struct{}

func (NoOpIdleStrategy) Idle(int) {}
func (NoOpIdleStrategy) Reset()   {}
