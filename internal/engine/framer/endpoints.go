package framer

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/sessionids"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
)

type eventKind uint8

const (
	eventLogon eventKind = iota + 1
	eventDisconnect
)

// endpointEvent is something an endpoint needs the framer to act on.
type endpointEvent struct {
	kind         eventKind
	session      *GatewaySession
	connectionID int64
	libraryID    int32
	reason       protocol.DisconnectReason
}

// eventQueue is filled by endpoints during a poll and drained by the framer
// straight after.
type eventQueue struct {
	events []endpointEvent
}

func (q *eventQueue) add(e endpointEvent) {
	q.events = append(q.events, e)
}

func (q *eventQueue) drain(fn func(endpointEvent)) int {
	n := len(q.events)
	for i := 0; i < len(q.events); i++ {
		fn(q.events[i])
	}
	clear(q.events)
	q.events = q.events[:0]
	return n
}

type endpointEnv struct {
	inbound    *protocol.GatewayPublication
	sessionIDs *sessionids.Store
	events     *eventQueue
	clock      func() time.Time
	errs       observability.ErrorHandler
	debug      *logging.DebugLogger
}

// ReceiverEndPoint turns a connection's byte stream into FixMessage records
// on the inbound stream. A reader goroutine feeds chunks through a bounded
// channel; the framer drains it without blocking.
type ReceiverEndPoint struct {
	env            *endpointEnv
	ch             TcpChannel
	connectionID   int64
	sessionID      int64
	libraryID      int32
	connectionType protocol.ConnectionType
	session        *GatewaySession

	chunks chan []byte
	done   chan struct{}
	buf    []byte
	closed bool
}

func newReceiverEndPoint(env *endpointEnv, ch TcpChannel, connectionID, sessionID int64, libraryID int32, connectionType protocol.ConnectionType, chunkSize, queueDepth int) *ReceiverEndPoint {
	r := &ReceiverEndPoint{
		env:            env,
		ch:             ch,
		connectionID:   connectionID,
		sessionID:      sessionID,
		libraryID:      libraryID,
		connectionType: connectionType,
		chunks:         make(chan []byte, queueDepth),
		done:           make(chan struct{}),
	}
	go r.readLoop(chunkSize)
	return r
}

func (r *ReceiverEndPoint) readLoop(chunkSize int) {
	defer close(r.chunks)
	for {
		b := make([]byte, chunkSize)
		n, err := r.ch.Read(b)
		if n > 0 {
			select {
			case r.chunks <- b[:n]:
			case <-r.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// poll frames whatever is buffered and takes at most one new chunk. It
// returns the bytes taken.
func (r *ReceiverEndPoint) poll() int {
	if r.closed {
		return 0
	}
	if !r.frameMessages() {
		return 0
	}
	select {
	case chunk, ok := <-r.chunks:
		if !ok {
			r.closed = true
			r.env.events.add(endpointEvent{
				kind:         eventDisconnect,
				connectionID: r.connectionID,
				libraryID:    r.libraryID,
				reason:       protocol.ReasonRemoteDisconnect,
			})
			return 0
		}
		r.buf = append(r.buf, chunk...)
		r.frameMessages()
		return len(chunk)
	default:
		return 0
	}
}

// frameMessages publishes every complete message in the buffer. It returns
// false when the inbound stream pushed back or the endpoint gave up.
func (r *ReceiverEndPoint) frameMessages() bool {
	consumed := 0
	defer func() {
		if consumed > 0 {
			n := copy(r.buf, r.buf[consumed:])
			r.buf = r.buf[:n]
		}
	}()
	for !r.closed {
		rest := r.buf[consumed:]
		n, err := fix.FrameLength(rest)
		if err != nil {
			r.fail(err, protocol.ReasonException)
			return false
		}
		if n == 0 {
			return true
		}
		if !r.onMessage(rest[:n]) {
			return false
		}
		consumed += n
	}
	return false
}

func (r *ReceiverEndPoint) onMessage(msg []byte) bool {
	h, err := fix.Scan(msg)
	if err != nil {
		r.fail(err, protocol.ReasonException)
		return false
	}
	msgType := h.String(msg, h.MsgType)
	if r.sessionID == NoSessionID && msgType == fix.MsgTypeLogon && r.connectionType == protocol.Acceptor {
		if !r.onAcceptorLogon(msg, h) {
			return false
		}
	}

	pos := r.env.inbound.Save(protocol.FixMessage{
		LibraryID:    r.libraryID,
		ConnectionID: r.connectionID,
		SessionID:    r.sessionID,
		MsgType:      msgType,
		Timestamp:    r.env.clock().UnixNano(),
		Status:       protocol.StatusOK,
		Body:         msg,
	})
	if bus.IsBackPressured(pos) {
		observability.RecordBackPressure("receiver")
		return false
	}
	r.env.debug.LogBytes(logging.TagFixMessage, "Received ", msg)
	if r.session != nil {
		if seq := h.Int(msg, h.MsgSeqNum, -1); seq >= 0 {
			r.session.updateSequenceNumbers(protocol.UnknownSequence, int32(seq))
		}
	}
	return true
}

// onAcceptorLogon resolves the durable session id for an engine-accepted
// connection on its first logon.
func (r *ReceiverEndPoint) onAcceptorLogon(msg []byte, h fix.Header) bool {
	key := sessionids.AcceptorKey(msg, h)
	sessionID, err := r.env.sessionIDs.OnLogon(key)
	if err != nil {
		reason := protocol.ReasonException
		if errors.Is(err, sessionids.ErrDuplicateSession) {
			reason = protocol.ReasonDuplicateSession
		}
		r.fail(err, reason)
		return false
	}
	r.session.onLogon(
		sessionID,
		key,
		h.String(msg, h.Username),
		h.String(msg, h.Password),
		int32(h.Int(msg, h.HeartBtInt, 0)),
	)
	r.session.state = protocol.SessionActive
	r.session.disconnectAt = time.Time{}
	r.env.events.add(endpointEvent{kind: eventLogon, session: r.session, connectionID: r.connectionID})
	return true
}

func (r *ReceiverEndPoint) fail(err error, reason protocol.DisconnectReason) {
	r.closed = true
	r.env.errs.OnError(fmt.Errorf("connection %d: %w", r.connectionID, err))
	r.env.events.add(endpointEvent{
		kind:         eventDisconnect,
		connectionID: r.connectionID,
		libraryID:    r.libraryID,
		reason:       reason,
	})
}

// close stops the endpoint. The paired sender closes the channel once its
// queue is flushed, which ends readLoop.
func (r *ReceiverEndPoint) close() {
	select {
	case <-r.done:
		return
	default:
	}
	r.closed = true
	close(r.done)
}

// ReceiverEndPoints polls every receiving connection.
type ReceiverEndPoints struct {
	endpoints []*ReceiverEndPoint
}

func (e *ReceiverEndPoints) add(r *ReceiverEndPoint) {
	e.endpoints = append(e.endpoints, r)
}

func (e *ReceiverEndPoints) pollEndPoints() int {
	total := 0
	for i := 0; i < len(e.endpoints); i++ {
		total += e.endpoints[i].poll()
	}
	return total
}

// removeConnection stops and forgets an endpoint. It returns nil when the
// connection was already gone.
func (e *ReceiverEndPoints) removeConnection(connectionID int64) *ReceiverEndPoint {
	for i, r := range e.endpoints {
		if r.connectionID == connectionID {
			r.close()
			e.endpoints = append(e.endpoints[:i], e.endpoints[i+1:]...)
			return r
		}
	}
	return nil
}

func (e *ReceiverEndPoints) close() {
	for _, r := range e.endpoints {
		r.close()
	}
	e.endpoints = nil
}

// SenderEndPoint writes framed messages to one connection. The framer only
// enqueues; a writer goroutine owns the socket, so a stalled peer never holds
// up the duty cycle. A peer that lets the queue fill is dropped as a slow
// consumer.
type SenderEndPoint struct {
	env          *endpointEnv
	ch           TcpChannel
	connectionID int64
	libraryID    int32
	timeout      time.Duration

	writes   chan []byte
	done     chan struct{}
	writeErr chan error
	failed   bool
}

func newSenderEndPoint(env *endpointEnv, ch TcpChannel, connectionID int64, libraryID int32, timeout time.Duration, queueDepth int) *SenderEndPoint {
	s := &SenderEndPoint{
		env:          env,
		ch:           ch,
		connectionID: connectionID,
		libraryID:    libraryID,
		timeout:      timeout,
		writes:       make(chan []byte, queueDepth),
		done:         make(chan struct{}),
		writeErr:     make(chan error, 1),
	}
	go s.writeLoop()
	return s
}

// writeLoop writes queued messages in order. Once stopped it flushes what
// is already queued under a single deadline, then closes the channel, which
// also ends the paired reader.
func (s *SenderEndPoint) writeLoop() {
	defer func() { _ = s.ch.Close() }()
	for {
		select {
		case msg := <-s.writes:
			if err := s.write(msg, time.Now().Add(s.timeout)); err != nil {
				s.writeErr <- err
				return
			}
		case <-s.done:
			deadline := time.Now().Add(s.timeout)
			for {
				select {
				case msg := <-s.writes:
					if err := s.write(msg, deadline); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *SenderEndPoint) write(msg []byte, deadline time.Time) error {
	if s.timeout > 0 {
		_ = s.ch.SetWriteDeadline(deadline)
	}
	for out := msg; len(out) > 0; {
		n, err := s.ch.Write(out)
		if err != nil {
			return err
		}
		out = out[n:]
	}
	s.env.debug.LogBytes(logging.TagFixMessage, "Sent ", msg)
	return nil
}

// send queues a copy of msg without blocking.
func (s *SenderEndPoint) send(msg []byte) {
	if s.failed {
		return
	}
	select {
	case s.writes <- append([]byte(nil), msg...):
	default:
		observability.RecordBackPressure("sender")
		s.fail(fmt.Errorf("write queue full after %d messages", cap(s.writes)), protocol.ReasonSlowConsumer)
	}
}

// poll reports a write failure from the writer goroutine, once.
func (s *SenderEndPoint) poll() int {
	if s.failed {
		return 0
	}
	select {
	case err := <-s.writeErr:
		s.fail(fmt.Errorf("write: %w", err), protocol.ReasonException)
		return 1
	default:
		return 0
	}
}

func (s *SenderEndPoint) fail(err error, reason protocol.DisconnectReason) {
	s.failed = true
	s.env.errs.OnError(fmt.Errorf("connection %d: %w", s.connectionID, err))
	s.env.events.add(endpointEvent{
		kind:         eventDisconnect,
		connectionID: s.connectionID,
		libraryID:    s.libraryID,
		reason:       reason,
	})
}

// close stops the writer. With flush it writes what is already queued
// first; without it the channel closes now, cutting short a blocked write.
func (s *SenderEndPoint) close(flush bool) {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if !flush {
		_ = s.ch.Close()
	}
}

// SenderEndPoints routes outbound messages by connection id.
type SenderEndPoints struct {
	byConnection map[int64]*SenderEndPoint
	errs         observability.ErrorHandler
}

func newSenderEndPoints(errs observability.ErrorHandler) *SenderEndPoints {
	return &SenderEndPoints{byConnection: make(map[int64]*SenderEndPoint), errs: errs}
}

func (e *SenderEndPoints) add(s *SenderEndPoint) {
	e.byConnection[s.connectionID] = s
}

func (e *SenderEndPoints) onMessage(connectionID int64, msg []byte) bool {
	s, ok := e.byConnection[connectionID]
	if !ok {
		return false
	}
	s.send(msg)
	return true
}

func (e *SenderEndPoints) poll() int {
	total := 0
	for _, s := range e.byConnection {
		total += s.poll()
	}
	return total
}

// removeConnection stops the writer, which closes the channel once done.
func (e *SenderEndPoints) removeConnection(connectionID int64, flush bool) {
	if s, ok := e.byConnection[connectionID]; ok {
		s.close(flush)
		delete(e.byConnection, connectionID)
	}
}

func (e *SenderEndPoints) close() {
	for _, s := range e.byConnection {
		s.close(false)
	}
	clear(e.byConnection)
}
