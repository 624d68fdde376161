package engine

import (
	"fmt"
	"time"

	"github.com/danmuck/fixgate/internal/concurrency"
	"github.com/danmuck/fixgate/internal/engine/framer"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/transport"
)

// Bus stream ids.
const (
	InboundStreamID  int32 = 1
	OutboundStreamID int32 = 2
	ReplayStreamID   int32 = 3
)

type Config struct {
	// NodeID names this engine in logs and metrics; empty picks a uuid.
	NodeID string
	// Dir holds the archive and the session id snapshot; empty keeps both
	// in memory.
	Dir           string
	ListenAddr    string
	AcceptBacklog int
	// AdminAddr is the operator HTTP address; empty disables it.
	AdminAddr           string
	CORSOrigins         []string
	AdminRequestTimeout time.Duration
	// AdminToken, when set, is required as a bearer token on mutating
	// admin routes.
	AdminToken string

	BusCapacity          int
	MaxPayloadLength     int
	ArchiveFragmentLimit int
	Leader               bool

	// Security applies to counterparty connections in both directions.
	Security  transport.Config
	Framer    framer.Config
	Idle      concurrency.BackoffConfig
	DebugTags []string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:           "127.0.0.1:9880",
		AcceptBacklog:        64,
		AdminAddr:            "127.0.0.1:9881",
		AdminRequestTimeout:  10 * time.Second,
		BusCapacity:          1024,
		MaxPayloadLength:     4 * 1024,
		ArchiveFragmentLimit: 20,
		Leader:               true,
		Framer:               framer.DefaultConfig(),
		Idle:                 concurrency.DefaultBackoffConfig(),
	}
}

func (c Config) Validate() error {
	if c.BusCapacity < 2 {
		return fmt.Errorf("engine: bus capacity %d must be at least 2", c.BusCapacity)
	}
	if c.MaxPayloadLength < 256 {
		return fmt.Errorf("engine: max payload length %d must be at least 256", c.MaxPayloadLength)
	}
	if c.ArchiveFragmentLimit <= 0 {
		return fmt.Errorf("engine: archive fragment limit must be positive")
	}
	if c.Framer.ReplyTimeout < 0 || c.Framer.NoLogonDisconnectTimeout < 0 || c.Framer.ConnectTimeout < 0 {
		return fmt.Errorf("engine: framer timeouts must not be negative")
	}
	if _, err := c.debugTags(); err != nil {
		return err
	}
	if err := c.Security.ValidateAcceptor(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

func (c Config) debugTags() ([]logging.LogTag, error) {
	tags := make([]logging.LogTag, 0, len(c.DebugTags))
	for _, name := range c.DebugTags {
		tag, ok := logging.ParseTag(name)
		if !ok {
			return nil, fmt.Errorf("engine: unknown debug tag %q", name)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}
