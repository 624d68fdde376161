// Package framer is the engine's duty-cycle scheduler. One goroutine owns
// every connection, library and session; other goroutines reach it only
// through the bus and the admin command queue.
package framer

import (
	"math/rand"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/concurrency"
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/engine/cluster"
	"github.com/danmuck/fixgate/internal/engine/index"
	"github.com/danmuck/fixgate/internal/engine/sessionids"
	"github.com/danmuck/fixgate/internal/engine/work"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/rs/zerolog"
)

const RoleName = "framer"

const receiverQueueDepth = 16

type Config struct {
	ReplyTimeout                 time.Duration
	NoLogonDisconnectTimeout     time.Duration
	DefaultHeartbeatIntervalS    int32
	ConnectTimeout               time.Duration
	SendTimeout                  time.Duration
	OutboundLibraryFragmentLimit int
	ReplayFragmentLimit          int
	InboundBytesReceivedLimit    int
	ReceiverBufferSize           int
	// SenderQueueDepth bounds the messages waiting on one connection's
	// writer; a peer that lets it fill is disconnected as a slow consumer.
	SenderQueueDepth int
	// ConnectionIDSeed seeds the connection id generator; zero seeds from
	// the clock.
	ConnectionIDSeed int64
}

func DefaultConfig() Config {
	return Config{
		ReplyTimeout:                 10 * time.Second,
		NoLogonDisconnectTimeout:     5 * time.Second,
		DefaultHeartbeatIntervalS:    10,
		ConnectTimeout:               5 * time.Second,
		SendTimeout:                  time.Second,
		OutboundLibraryFragmentLimit: 10,
		ReplayFragmentLimit:          5,
		InboundBytesReceivedLimit:    8 * 1024,
		ReceiverBufferSize:           4 * 1024,
		SenderQueueDepth:             1024,
	}
}

// WithDefaults fills every unset field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.NoLogonDisconnectTimeout <= 0 {
		c.NoLogonDisconnectTimeout = d.NoLogonDisconnectTimeout
	}
	if c.DefaultHeartbeatIntervalS <= 0 {
		c.DefaultHeartbeatIntervalS = d.DefaultHeartbeatIntervalS
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.OutboundLibraryFragmentLimit <= 0 {
		c.OutboundLibraryFragmentLimit = d.OutboundLibraryFragmentLimit
	}
	if c.ReplayFragmentLimit <= 0 {
		c.ReplayFragmentLimit = d.ReplayFragmentLimit
	}
	if c.InboundBytesReceivedLimit <= 0 {
		c.InboundBytesReceivedLimit = d.InboundBytesReceivedLimit
	}
	if c.ReceiverBufferSize <= 0 {
		c.ReceiverBufferSize = d.ReceiverBufferSize
	}
	if c.SenderQueueDepth <= 0 {
		c.SenderQueueDepth = d.SenderQueueDepth
	}
	return c
}

// Deps are the collaborators the framer polls and publishes to.
type Deps struct {
	Clock    func() time.Time
	Channels TcpChannelSupplier
	// OutboundLibrary carries library records and messages to send.
	OutboundLibrary bus.Subscription
	// Replay carries rewritten messages for counterparty resends.
	Replay bus.Subscription
	// Inbound is read by libraries; Outbound is the stream OutboundLibrary
	// subscribes to.
	Inbound         *protocol.GatewayPublication
	Outbound        *protocol.GatewayPublication
	SentIndex       index.Reader
	ReceivedIndex   index.Reader
	InboundMessages archive.ReplayQuery
	InboundStreamID int32
	SessionIDs      *sessionids.Store
	Leadership      cluster.Leadership
	Errors          observability.ErrorHandler
	Debug           *logging.DebugLogger
	Logger          zerolog.Logger
}

// Framer implements concurrency.Agent.
type Framer struct {
	cfg   Config
	clock func() time.Time

	channels        TcpChannelSupplier
	outboundLibrary bus.Subscription
	replay          bus.Subscription
	outboundHandler bus.FragmentHandler
	replayHandler   bus.FragmentHandler
	inbound         *protocol.GatewayPublication
	outbound        *protocol.GatewayPublication
	sentIndex       index.Reader
	receivedIndex   index.Reader
	inboundMessages archive.ReplayQuery
	inboundStreamID int32
	sessionIDs      *sessionids.Store
	leadership      cluster.Leadership
	errs            observability.ErrorHandler
	debug           *logging.DebugLogger
	logger          zerolog.Logger

	retry           *work.RetryManager
	adminCommands   *concurrency.MPSCQueue[adminCommand]
	replies         []*ResetSequenceNumberCommand
	libraries       map[int32]*LiveLibraryInfo
	gatewaySessions *GatewaySessions
	receivers       *ReceiverEndPoints
	senders         *SenderEndPoints
	events          *eventQueue
	env             *endpointEnv
	dials           map[int64]*pendingDial

	nextConnectionID int64
}

func New(cfg Config, deps Deps) *Framer {
	cfg = cfg.WithDefaults()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Leadership == nil {
		deps.Leadership = cluster.Solo{}
	}
	if deps.Errors == nil {
		deps.Errors = observability.NewErrorLog(deps.Logger)
	}
	logger := deps.Logger.With().Str("component", RoleName).Logger()
	f := &Framer{
		cfg:             cfg,
		clock:           deps.Clock,
		channels:        deps.Channels,
		outboundLibrary: deps.OutboundLibrary,
		replay:          deps.Replay,
		inbound:         deps.Inbound,
		outbound:        deps.Outbound,
		sentIndex:       deps.SentIndex,
		receivedIndex:   deps.ReceivedIndex,
		inboundMessages: deps.InboundMessages,
		inboundStreamID: deps.InboundStreamID,
		sessionIDs:      deps.SessionIDs,
		leadership:      deps.Leadership,
		errs:            deps.Errors,
		debug:           deps.Debug,
		logger:          logger,
		retry:           work.NewRetryManager(logger),
		adminCommands:   concurrency.NewMPSCQueue[adminCommand](),
		libraries:       make(map[int32]*LiveLibraryInfo),
		gatewaySessions: newGatewaySessions(),
		receivers:       &ReceiverEndPoints{},
		senders:         newSenderEndPoints(deps.Errors),
		events:          &eventQueue{},
		dials:           make(map[int64]*pendingDial),
	}
	f.env = &endpointEnv{
		inbound:    f.inbound,
		sessionIDs: f.sessionIDs,
		events:     f.events,
		clock:      f.clock,
		errs:       f.errs,
		debug:      f.debug,
	}
	f.outboundHandler = bus.NewAssembler(f.onRecord).OnFragment
	f.replayHandler = bus.NewAssembler(f.onRecord).OnFragment
	f.nextConnectionID = seedConnectionID(cfg.ConnectionIDSeed, f.clock)
	return f
}

// seedConnectionID picks a random non-zero 63-bit start value. Ids are
// unique within a process; they are not checked against persisted state.
func seedConnectionID(seed int64, clock func() time.Time) int64 {
	if seed == 0 {
		seed = clock().UnixNano()
	}
	id := rand.New(rand.NewSource(seed)).Int63()
	if id <= 0 {
		id = 1
	}
	return id
}

func (f *Framer) newConnectionID() int64 {
	id := f.nextConnectionID
	f.nextConnectionID++
	if f.nextConnectionID <= 0 {
		f.nextConnectionID = 1
	}
	return id
}

func (f *Framer) RoleName() string { return RoleName }

func (f *Framer) DoWork() (int, error) {
	now := f.clock()
	total := f.retry.AttemptSteps() +
		f.sendOutboundMessages() +
		f.sendReplayMessages() +
		f.pollEndPoints() +
		f.pollNewConnections(now) +
		f.pollLibraries(now) +
		f.pollSessions(now) +
		f.adminCommands.Drain(f.onAdminCommand) +
		f.checkReplies()
	observability.RecordDutyCycle(RoleName, total)
	return total, nil
}

func (f *Framer) OnClose() {
	for sessionID, d := range f.dials {
		d.abandon()
		delete(f.dials, sessionID)
	}
	f.receivers.close()
	f.senders.close()
	if f.channels != nil {
		if err := f.channels.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("framer.OnClose channels")
		}
	}
	f.logger.Info().Int("pending", f.retry.Pending()).Msg("framer.OnClose")
}

func (f *Framer) sendOutboundMessages() int {
	return f.outboundLibrary.ControlledPoll(f.outboundHandler, f.cfg.OutboundLibraryFragmentLimit)
}

func (f *Framer) sendReplayMessages() int {
	if f.replay == nil {
		return 0
	}
	return f.replay.ControlledPoll(f.replayHandler, f.cfg.ReplayFragmentLimit)
}

// pollEndPoints reads sockets until they go quiet or the byte budget is
// spent, then acts on whatever the endpoints reported.
func (f *Framer) pollEndPoints() int {
	total := 0
	for {
		n := f.receivers.pollEndPoints()
		total += n
		if n == 0 || total >= f.cfg.InboundBytesReceivedLimit {
			break
		}
	}
	total += f.senders.poll()
	return total + f.events.drain(f.onEndpointEvent)
}

func (f *Framer) pollNewConnections(now time.Time) int {
	if f.channels == nil {
		return 0
	}
	return f.channels.ForEachChannel(now, f.onNewConnection)
}

func (f *Framer) pollLibraries(now time.Time) int {
	total := 0
	for id, lib := range f.libraries {
		total += lib.poll(now)
		if !lib.isConnected() {
			delete(f.libraries, id)
			f.onLibraryTimeout(lib)
		}
	}
	return total
}

func (f *Framer) pollSessions(now time.Time) int {
	expired := f.gatewaySessions.pollSessions(now)
	n := len(expired)
	for _, s := range expired {
		f.logger.Info().
			Int64("connection_id", s.connectionID).
			Str("address", s.address).
			Msg("framer.pollSessions no logon")
		f.disconnect(s.connectionID, protocol.ReasonNoLogon)
	}
	return n
}

// schedule attempts c now and hands it to the retry manager if it must
// run again.
func (f *Framer) schedule(c work.Continuation) {
	f.retry.Schedule(c)
}
