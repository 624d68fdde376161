package framer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/engine/cluster"
	"github.com/danmuck/fixgate/internal/engine/index"
	"github.com/danmuck/fixgate/internal/engine/sessionids"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const (
	inboundStream  int32 = 1
	outboundStream int32 = 2
	replayStream   int32 = 3
)

var (
	errRefused = errors.New("connection refused")
	startTime  = time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
)

type fakeChannel struct {
	address   string
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	out bytes.Buffer
}

func newFakeChannel(address string) *fakeChannel {
	return &fakeChannel{address: address, in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeChannel) RemoteAddress() string { return c.address }

func (c *fakeChannel) Read(p []byte) (int, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *fakeChannel) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

// send delivers bytes as if the counterparty wrote them.
func (c *fakeChannel) send(b []byte) { c.in <- b }

// hangUp ends the stream as if the counterparty closed.
func (c *fakeChannel) hangUp() { close(c.in) }

type fakeSupplier struct {
	mu       sync.Mutex
	accepted []TcpChannel
	dial     map[string]*fakeChannel
	dialed   []string
}

func (s *fakeSupplier) accept(ch TcpChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, ch)
}

func (s *fakeSupplier) ForEachChannel(now time.Time, fn func(time.Time, TcpChannel)) int {
	s.mu.Lock()
	pending := s.accepted
	s.accepted = nil
	s.mu.Unlock()
	for _, ch := range pending {
		fn(now, ch)
	}
	return len(pending)
}

func (s *fakeSupplier) Open(_ context.Context, address string) (TcpChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialed = append(s.dialed, address)
	ch, ok := s.dial[address]
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", address, errRefused)
	}
	return ch, nil
}

func (s *fakeSupplier) Close() error { return nil }

func (s *fakeSupplier) dialedAddresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dialed...)
}

// stallChannel is a counterparty that stopped reading: every write waits.
type stallChannel struct {
	*fakeChannel
	stall  time.Duration
	writes chan struct{}
}

func newStallChannel(address string, stall time.Duration) *stallChannel {
	return &stallChannel{fakeChannel: newFakeChannel(address), stall: stall, writes: make(chan struct{}, 64)}
}

func (c *stallChannel) Write(p []byte) (int, error) {
	select {
	case c.writes <- struct{}{}:
	default:
	}
	select {
	case <-time.After(c.stall):
	case <-c.closed:
		return 0, net.ErrClosed
	}
	return c.fakeChannel.Write(p)
}

type harness struct {
	t        *testing.T
	now      time.Time
	bus      *bus.Bus
	libSub   *bus.MemorySubscription
	library  *protocol.GatewayPublication
	received *protocol.GatewayPublication
	sent     *protocol.GatewayPublication

	sentIndexer     *index.Indexer
	receivedIndexer *index.Indexer
	archiver        *archive.Archiver
	ids             *sessionids.Store
	leader          *cluster.Switch
	faults          *observability.ErrorRecorder
	channels        *fakeSupplier
	framer          *Framer

	seen []protocol.Message
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	logger := testlog.Logger(t)
	b := bus.New(capacity, 4096)
	h := &harness{
		t:        t,
		now:      startTime,
		bus:      b,
		faults:   &observability.ErrorRecorder{},
		leader:   cluster.NewSwitch(true),
		channels: &fakeSupplier{dial: make(map[string]*fakeChannel)},
	}
	h.libSub = b.Subscribe(inboundStream)
	h.receivedIndexer = index.NewIndexer("received", b.Subscribe(inboundStream), index.NewStore(), 100, h.faults, nil, logger)
	h.sentIndexer = index.NewIndexer("sent", b.Subscribe(outboundStream), index.NewStore(), 100, h.faults, nil, logger)

	arch, err := archive.Open("", logger)
	require.NoError(t, err)
	h.archiver = archive.NewArchiver(arch, 100, h.faults)
	h.archiver.Subscribe(inboundStream, b.Subscribe(inboundStream))

	h.ids, err = sessionids.Open("", logger)
	require.NoError(t, err)

	outboundLibrary := b.Subscribe(outboundStream)
	replay := b.Subscribe(replayStream)
	h.library = protocol.NewGatewayPublication(b.Publication(outboundStream))
	h.sent = protocol.NewGatewayPublication(b.Publication(outboundStream))
	h.received = protocol.NewGatewayPublication(b.Publication(inboundStream))

	cfg := DefaultConfig()
	cfg.ConnectionIDSeed = 42
	h.framer = New(cfg, Deps{
		Clock:           func() time.Time { return h.now },
		Channels:        h.channels,
		OutboundLibrary: outboundLibrary,
		Replay:          replay,
		Inbound:         protocol.NewGatewayPublication(b.Publication(inboundStream)),
		Outbound:        protocol.NewGatewayPublication(b.Publication(outboundStream)),
		SentIndex:       h.sentIndexer.Store(),
		ReceivedIndex:   h.receivedIndexer.Store(),
		InboundMessages: arch,
		InboundStreamID: inboundStream,
		SessionIDs:      h.ids,
		Leadership:      h.leader,
		Errors:          h.faults,
		Logger:          logger,
	})
	t.Cleanup(h.framer.OnClose)
	return h
}

// cycle runs the indexers, the archiver and one framer duty cycle.
func (h *harness) cycle() int {
	h.sentIndexer.Poll()
	h.receivedIndexer.Poll()
	h.archiver.Poll()
	n, err := h.framer.DoWork()
	require.NoError(h.t, err)
	h.sentIndexer.Poll()
	h.receivedIndexer.Poll()
	h.archiver.Poll()
	return n
}

func (h *harness) cycles(n int) {
	for i := 0; i < n; i++ {
		h.cycle()
	}
}

// cycleUntil keeps cycling while reader goroutines deliver socket bytes.
func (h *harness) cycleUntil(cond func() bool, msg string) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting: %s", msg)
		}
		h.cycle()
		time.Sleep(time.Millisecond)
	}
}

// initiate publishes req and cycles until the engine answers it with a
// ManageConnection or an Error.
func (h *harness) initiate(req protocol.InitiateConnection) {
	h.t.Helper()
	h.publish(req)
	h.cycleUntil(func() bool {
		for _, m := range h.collect() {
			switch v := m.(type) {
			case protocol.ManageConnection:
				if v.CorrelationID == req.CorrelationID {
					return true
				}
			case protocol.Error:
				if v.ReplyToID == req.CorrelationID {
					return true
				}
			}
		}
		return false
	}, fmt.Sprintf("initiate %d answered", req.CorrelationID))
}

// awaitWritten waits for the writer goroutine to put want on the socket.
func awaitWritten(t *testing.T, ch *fakeChannel, want []byte) {
	t.Helper()
	require.Eventually(t, func() bool { return bytes.Equal(want, ch.written()) }, 2*time.Second, time.Millisecond)
}

func awaitClosed(t *testing.T, ch *fakeChannel) {
	t.Helper()
	require.Eventually(t, ch.isClosed, 2*time.Second, time.Millisecond)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) publish(msg protocol.Message) {
	h.t.Helper()
	require.False(h.t, bus.IsBackPressured(h.library.Save(msg)), "library publish rejected")
}

// collect drains what libraries would have read so far.
func (h *harness) collect() []protocol.Message {
	asm := bus.NewAssembler(func(b []byte, _ bus.Header) bus.Action {
		m, err := protocol.Decode(b)
		require.NoError(h.t, err)
		h.seen = append(h.seen, m)
		return bus.Continue
	})
	for h.libSub.ControlledPoll(asm.OnFragment, 100) > 0 {
	}
	return h.seen
}

func messagesOf[T protocol.Message](h *harness) []T {
	var out []T
	for _, m := range h.collect() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (h *harness) connectLibrary(libraryID int32) {
	h.publish(protocol.LibraryConnect{LibraryID: libraryID, CorrelationID: int64(libraryID) * 1000})
	h.cycle()
	require.Contains(h.t, h.framer.libraries, libraryID)
}

// engineSession places a logged-on or connected session straight into the
// engine registry.
func (h *harness) engineSession(sessionID int64, state protocol.SessionState, lastReceived int32) *GatewaySession {
	key := sessionids.CompositeKey{SenderCompID: "GATEWAY", TargetCompID: "CLIENT" + strconv.FormatInt(sessionID, 10)}
	s := newGatewaySession(h.framer.newConnectionID(), sessionID, "10.0.0.1:4000", protocol.Acceptor, key, nil, nil)
	h.framer.gatewaySessions.acquire(s, state, 30, 2, lastReceived, "user", "pw")
	return s
}

// owners counts how many registries hold the connection.
func (h *harness) owners(connectionID int64) int {
	n := 0
	for _, s := range h.framer.gatewaySessions.sessions {
		if s.connectionID == connectionID {
			n++
		}
	}
	for _, lib := range h.framer.libraries {
		for _, s := range lib.sessions {
			if s.connectionID == connectionID {
				n++
			}
		}
	}
	return n
}

func counterpartyMessage(msgType string, seq int, fields ...fix.Field) []byte {
	all := []fix.Field{
		{Tag: fix.TagMsgType, Value: msgType},
		{Tag: fix.TagSenderCompID, Value: "CLIENT"},
		{Tag: fix.TagTargetCompID, Value: "GATEWAY"},
		{Tag: fix.TagMsgSeqNum, Value: strconv.Itoa(seq)},
		{Tag: fix.TagSendingTime, Value: "20240101-10:00:00.000"},
	}
	return fix.Build("FIX.4.4", append(all, fields...)...)
}

func logonMessage(seq int) []byte {
	return counterpartyMessage(fix.MsgTypeLogon, seq,
		fix.Field{Tag: 98, Value: "0"},
		fix.Field{Tag: fix.TagHeartBtInt, Value: "30"},
		fix.Field{Tag: fix.TagUsername, Value: "user"},
		fix.Field{Tag: fix.TagPassword, Value: "pw"},
	)
}

// archiveInbound publishes a received message for sessionID as the receiver
// endpoint would.
func (h *harness) archiveInbound(sessionID int64, seq int) {
	h.t.Helper()
	pos := h.received.Save(protocol.FixMessage{
		LibraryID: protocol.EngineLibraryID,
		SessionID: sessionID,
		MsgType:   "D",
		Timestamp: h.now.UnixNano(),
		Body:      counterpartyMessage("D", seq, fix.Field{Tag: 11, Value: "order-" + strconv.Itoa(seq)}),
	})
	require.False(h.t, bus.IsBackPressured(pos))
}
