// Package engine wires the bus, archive, indices and session id store to
// the framer and archiving agents and runs them under one context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/concurrency"
	"github.com/danmuck/fixgate/internal/engine/admin"
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/engine/cluster"
	"github.com/danmuck/fixgate/internal/engine/framer"
	"github.com/danmuck/fixgate/internal/engine/index"
	"github.com/danmuck/fixgate/internal/engine/replayer"
	"github.com/danmuck/fixgate/internal/engine/sessionids"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const sessionIDsFile = "session-ids.cbor"

type Engine struct {
	cfg    Config
	logger zerolog.Logger
	errs   observability.ErrorHandler

	bus        *bus.Bus
	archive    *archive.Archive
	sessionIDs *sessionids.Store
	leadership *cluster.Switch
	channels   *framer.NetChannelSupplier
	framer     *framer.Framer
	archiving  *archivingAgent
	admin      *admin.Server

	sentIndex     *index.Store
	receivedIndex *index.Store
}

// New opens storage, binds the listener and builds both agents. Nothing runs
// until Run.
func New(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "fixgate-" + uuid.NewString()
	}
	logger = logger.With().Str("node", cfg.NodeID).Logger()
	tags, err := cfg.debugTags()
	if err != nil {
		return nil, err
	}
	debug := logging.NewDebugLogger(logger, tags...)
	errs := observability.NewErrorLog(logger)
	observability.RegisterMetrics()

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		errs:       errs,
		bus:        bus.New(cfg.BusCapacity, cfg.MaxPayloadLength),
		leadership: cluster.NewSwitch(cfg.Leader),
	}

	e.archive, err = archive.Open(cfg.Dir, logger)
	if err != nil {
		return nil, err
	}
	idsPath := ""
	if cfg.Dir != "" {
		idsPath = filepath.Join(cfg.Dir, sessionIDsFile)
	}
	e.sessionIDs, err = sessionids.Open(idsPath, logger)
	if err != nil {
		_ = e.archive.Close()
		return nil, err
	}

	// Every engine-side subscriber exists before anything publishes.
	sent := index.NewIndexer("sent", e.bus.Subscribe(OutboundStreamID), index.NewStore(), cfg.ArchiveFragmentLimit, errs, debug, logger)
	received := index.NewIndexer("received", e.bus.Subscribe(InboundStreamID), index.NewStore(), cfg.ArchiveFragmentLimit, errs, debug, logger)
	e.sentIndex, e.receivedIndex = sent.Store(), received.Store()
	nSent, nReceived := rebuildIndices(e.archive, sent, received)
	logger.Info().Int("sent", nSent).Int("received", nReceived).Msg("engine.New indices rebuilt")

	archiver := archive.NewArchiver(e.archive, cfg.ArchiveFragmentLimit, errs)
	archiver.Subscribe(InboundStreamID, e.bus.Subscribe(InboundStreamID))
	archiver.Subscribe(OutboundStreamID, e.bus.Subscribe(OutboundStreamID))

	e.archiving = &archivingAgent{
		archiver: archiver,
		sent:     sent,
		received: received,
		replayer: replayer.New(
			e.bus.Subscribe(InboundStreamID),
			e.archive,
			OutboundStreamID,
			e.bus.Publication(ReplayStreamID),
			cfg.Framer.WithDefaults().ReplayFragmentLimit,
			nil,
			errs,
			debug,
			logger,
		),
	}

	e.channels, err = framer.Listen(cfg.ListenAddr, cfg.AcceptBacklog, cfg.Framer.WithDefaults().ConnectTimeout, cfg.Security, logger)
	if err != nil {
		_ = e.archive.Close()
		return nil, fmt.Errorf("engine: listen %s: %w", cfg.ListenAddr, err)
	}

	e.framer = framer.New(cfg.Framer, framer.Deps{
		Channels:        e.channels,
		OutboundLibrary: e.bus.Subscribe(OutboundStreamID),
		Replay:          e.bus.Subscribe(ReplayStreamID),
		Inbound:         protocol.NewGatewayPublication(e.bus.Publication(InboundStreamID)),
		Outbound:        protocol.NewGatewayPublication(e.bus.Publication(OutboundStreamID)),
		SentIndex:       e.sentIndex,
		ReceivedIndex:   e.receivedIndex,
		InboundMessages: e.archive,
		InboundStreamID: InboundStreamID,
		SessionIDs:      e.sessionIDs,
		Leadership:      e.leadership,
		Errors:          errs,
		Debug:           debug,
		Logger:          logger,
	})

	if cfg.AdminAddr != "" {
		e.admin = admin.New(admin.Config{
			NodeID:         cfg.NodeID,
			Addr:           cfg.AdminAddr,
			CORSOrigins:    cfg.CORSOrigins,
			RequestTimeout: cfg.AdminRequestTimeout,
			Token:          cfg.AdminToken,
		}, e, logger)
	}
	return e, nil
}

// Run drives both agents and the admin server until ctx ends or one fails.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Str("listen", e.cfg.ListenAddr).Str("admin", e.cfg.AdminAddr).Msg("engine.Run start")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		idle := concurrency.NewBackoffIdleStrategy(e.cfg.Idle)
		return concurrency.NewAgentRunner(e.framer, idle, e.errs, e.logger).Run(gctx)
	})
	g.Go(func() error {
		idle := concurrency.NewBackoffIdleStrategy(e.cfg.Idle)
		return concurrency.NewAgentRunner(e.archiving, idle, e.errs, e.logger).Run(gctx)
	})
	if e.admin != nil {
		g.Go(func() error { return e.admin.Serve(gctx) })
	}
	err := g.Wait()
	e.logger.Info().Err(err).Msg("engine.Run stopped")
	return err
}

// Close releases storage and the bus. Call it after Run returns.
func (e *Engine) Close() error {
	e.bus.Close()
	var errs []error
	if e.channels != nil {
		errs = append(errs, e.channels.Close())
	}
	errs = append(errs, e.archive.Close())
	return errors.Join(errs...)
}

func (e *Engine) NodeID() string { return e.cfg.NodeID }

// Addr is the bound counterparty listener address.
func (e *Engine) Addr() net.Addr { return e.channels.Addr() }

// LibraryPublication is where an in-process library publishes its records.
func (e *Engine) LibraryPublication() *protocol.GatewayPublication {
	return protocol.NewGatewayPublication(e.bus.Publication(OutboundStreamID))
}

// LibrarySubscription reads what the engine sends to libraries. A library
// that stops polling back-pressures the engine.
func (e *Engine) LibrarySubscription() bus.Subscription {
	return e.bus.Subscribe(InboundStreamID)
}

func (e *Engine) IsLeader() bool { return e.leadership.IsLeader() }

// SetLeader flips this node's leadership view and returns the previous one.
func (e *Engine) SetLeader(leader bool) bool { return e.leadership.Set(leader) }

func (e *Engine) QueryLibraries(ctx context.Context) ([]framer.LibraryInfo, error) {
	return e.framer.QueryLibraries(ctx)
}

func (e *Engine) ResetSessionIds(ctx context.Context, backupPath string) error {
	return e.framer.ResetSessionIds(ctx, backupPath)
}

func (e *Engine) ResetSequenceNumber(ctx context.Context, sessionID int64) error {
	return e.framer.ResetSequenceNumber(ctx, sessionID)
}

// LastReceivedSequenceNumber reads the received index for sessionID.
func (e *Engine) LastReceivedSequenceNumber(sessionID int64) int32 {
	return e.receivedIndex.LastKnownSequenceNumber(sessionID)
}

func (e *Engine) LastSentSequenceNumber(sessionID int64) int32 {
	return e.sentIndex.LastKnownSequenceNumber(sessionID)
}
