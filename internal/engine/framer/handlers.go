package framer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/sessionids"
	"github.com/danmuck/fixgate/internal/engine/work"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
)

var ErrNotLeader = errors.New("framer: connection attempted whilst follower")

var connectError = []byte("This is not the cluster's leader node, please connect to the leader")

// onRecord dispatches one reassembled record from a library or the replay
// stream.
func (f *Framer) onRecord(buf []byte, h bus.Header) bus.Action {
	msg, err := protocol.Decode(buf)
	if err != nil {
		f.errs.OnError(fmt.Errorf("framer: decode record from publisher %d: %w", h.PublisherID, err))
		return bus.Continue
	}
	switch m := msg.(type) {
	case protocol.FixMessage:
		return f.onMessage(m)
	case protocol.InitiateConnection:
		return f.onInitiateConnection(m, h)
	case protocol.LibraryConnect:
		return f.onLibraryConnect(m.LibraryID, m.CorrelationID, h.PublisherID)
	case protocol.ApplicationHeartbeat:
		return f.onApplicationHeartbeat(m.LibraryID, h.PublisherID)
	case protocol.ReleaseSession:
		return f.onReleaseSession(m)
	case protocol.RequestSession:
		return f.onRequestSession(m)
	case protocol.RequestDisconnect:
		return f.onRequestDisconnect(m.ConnectionID, m.Reason)
	default:
		return bus.Continue
	}
}

func (f *Framer) pressure(position int64) bus.Action {
	if bus.IsBackPressured(position) {
		observability.RecordBackPressure(RoleName)
		return bus.Abort
	}
	return bus.Continue
}

// saveError publishes an error reply once. A rejected reply is reported to
// the fault sink rather than retried.
func (f *Framer) saveError(kind protocol.GatewayError, libraryID int32, replyToID int64, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	pos := f.inbound.Save(protocol.Error{
		Kind:      kind,
		LibraryID: libraryID,
		ReplyToID: replyToID,
		Message:   message,
	})
	if bus.IsBackPressured(pos) {
		if message == "" {
			f.errs.OnError(fmt.Errorf("framer: back pressured %s for %d", kind, libraryID))
		} else {
			f.errs.OnError(fmt.Errorf("framer: back pressured %s: %s for %d", kind, message, libraryID))
		}
	}
}

func (f *Framer) onMessage(m protocol.FixMessage) bus.Action {
	now := f.clock()
	observability.RecordOutboundLatency(now.Sub(time.Unix(0, m.Timestamp)))
	if !f.leadership.IsLeader() {
		f.sessionIDs.OnSentFollowerMessage(m.SessionID, m.MsgType, m.Body)
	}
	if !f.senders.onMessage(m.ConnectionID, m.Body) {
		f.debug.Log(logging.TagGatewayMessage, "No sender for connection %d", m.ConnectionID)
	}
	observability.RecordSendDuration(f.clock().Sub(now))
	return bus.Continue
}

func (f *Framer) onNewConnection(now time.Time, ch TcpChannel) {
	address := ch.RemoteAddress()
	if !f.leadership.IsLeader() {
		f.errs.OnError(fmt.Errorf("%w: %s", ErrNotLeader, address))
		go rejectConnection(ch, f.cfg.SendTimeout)
		return
	}

	connectionID := f.newConnectionID()
	session := f.setupConnection(ch, connectionID, NoSessionID, sessionids.CompositeKey{}, protocol.EngineLibraryID, protocol.Acceptor)
	session.disconnectAt = now.Add(f.cfg.NoLogonDisconnectTimeout)
	f.gatewaySessions.acquire(
		session,
		protocol.SessionConnected,
		f.cfg.DefaultHeartbeatIntervalS,
		protocol.UnknownSequence,
		protocol.UnknownSequence,
		"",
		"",
	)
	f.logger.Info().
		Int64("connection_id", connectionID).
		Str("address", address).
		Msg("framer.onNewConnection")

	// Logged for the record only; dropped under back pressure.
	pos := f.inbound.Save(protocol.Connect{ConnectionID: connectionID, Address: address})
	if bus.IsBackPressured(pos) {
		f.errs.OnError(fmt.Errorf("framer: failed to log connect from %s due to back pressure", address))
	}
}

// rejectConnection tells a follower's peer where to go, off the duty cycle.
// Best effort: the peer may close before reading it.
func rejectConnection(ch TcpChannel, timeout time.Duration) {
	_ = ch.SetWriteDeadline(time.Now().Add(timeout))
	_, _ = ch.Write(connectError)
	_ = ch.Close()
}

func (f *Framer) setupConnection(
	ch TcpChannel,
	connectionID, sessionID int64,
	key sessionids.CompositeKey,
	libraryID int32,
	connectionType protocol.ConnectionType,
) *GatewaySession {
	receiver := newReceiverEndPoint(f.env, ch, connectionID, sessionID, libraryID, connectionType, f.cfg.ReceiverBufferSize, receiverQueueDepth)
	f.receivers.add(receiver)
	sender := newSenderEndPoint(f.env, ch, connectionID, libraryID, f.cfg.SendTimeout, f.cfg.SenderQueueDepth)
	f.senders.add(sender)

	session := newGatewaySession(connectionID, sessionID, ch.RemoteAddress(), connectionType, key, receiver, sender)
	session.libraryID = libraryID
	receiver.session = session
	return session
}

func (f *Framer) onInitiateConnection(m protocol.InitiateConnection, h bus.Header) bus.Action {
	if r, ok := f.retry.Retry(m.CorrelationID); ok {
		return r.Action()
	}
	if _, ok := f.libraries[m.LibraryID]; !ok {
		f.saveError(protocol.UnknownLibrary, m.LibraryID, m.CorrelationID, nil)
		return bus.Continue
	}
	// The sent index must have seen this request before its sequence
	// numbers can be trusted.
	if f.sentIndex.IndexedPosition(h.PublisherID) < h.Position {
		return bus.Abort
	}

	key := sessionids.CompositeKey{
		SenderCompID:     m.SenderCompID,
		SenderSubID:      m.SenderSubID,
		SenderLocationID: m.SenderLocationID,
		TargetCompID:     m.TargetCompID,
	}
	// The id is held while dialing so a second initiate for the same key
	// fails fast instead of racing this one.
	sessionID, err := f.sessionIDs.OnLogon(key)
	if err != nil {
		kind := protocol.Exception
		if errors.Is(err, sessionids.ErrDuplicateSession) {
			kind = protocol.DuplicateSession
		}
		f.saveError(kind, m.LibraryID, m.CorrelationID, err)
		return bus.Continue
	}

	address := net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port)))
	dial := f.startDial(sessionID, address)

	libraryID := m.LibraryID
	correlationID := m.CorrelationID
	var (
		connectionID           int64
		session                *GatewaySession
		lastSent, lastReceived int32
	)
	f.retry.FirstAttempt(correlationID, work.NewUnitOfWork(
		work.Func(func() work.Result {
			res, ok := dial.poll()
			if !ok {
				return work.Retry
			}
			delete(f.dials, sessionID)
			if res.err != nil {
				f.sessionIDs.OnDisconnect(sessionID)
				f.saveError(protocol.UnableToConnect, libraryID, correlationID, res.err)
				return work.Fatal(protocol.UnableToConnect)
			}
			lib, ok := f.libraries[libraryID]
			if !ok {
				// The library timed out while the dial was in flight.
				_ = res.ch.Close()
				f.sessionIDs.OnDisconnect(sessionID)
				f.saveError(protocol.UnknownLibrary, libraryID, correlationID, nil)
				return work.Fatal(protocol.UnknownLibrary)
			}

			connectionID = f.newConnectionID()
			session = f.setupConnection(res.ch, connectionID, sessionID, key, libraryID, protocol.Initiator)
			lib.addSession(session)
			lastSent, lastReceived = f.initiatorSequenceNumbers(sessionID, m)
			session.onLogon(sessionID, key, m.Username, m.Password, m.HeartbeatIntervalS)
			session.updateSequenceNumbers(lastSent, lastReceived)

			f.logger.Info().
				Int64("connection_id", connectionID).
				Int64("session_id", sessionID).
				Int32("library_id", libraryID).
				Str("address", address).
				Msg("framer.onInitiateConnection")
			return work.Done
		}),
		work.Publish(func() int64 {
			return f.inbound.Save(protocol.ManageConnection{
				ConnectionID:       connectionID,
				SessionID:          sessionID,
				Address:            address,
				LibraryID:          libraryID,
				Type:               protocol.Initiator,
				LastSentSeqNum:     lastSent,
				LastReceivedSeqNum: lastReceived,
				State:              protocol.SessionConnected,
				HeartbeatIntervalS: m.HeartbeatIntervalS,
				CorrelationID:      correlationID,
			})
		}),
		work.Publish(func() int64 {
			return f.saveLogon(libraryID, session, lastSent, lastReceived, protocol.LogonNew)
		}),
	))
	return bus.Continue
}

// initiatorSequenceNumbers derives the starting point of an initiated
// session from its sequence number type and the indices.
func (f *Framer) initiatorSequenceNumbers(sessionID int64, m protocol.InitiateConnection) (lastSent, lastReceived int32) {
	lastSent, lastReceived = protocol.UnknownSequence, protocol.UnknownSequence
	if m.SequenceNumberType != protocol.SequenceTransient {
		lastSent = f.sentIndex.LastKnownSequenceNumber(sessionID)
		lastReceived = f.receivedIndex.LastKnownSequenceNumber(sessionID)
	}
	if m.InitialSeqNum > 0 {
		lastSent = m.InitialSeqNum - 1
	}
	return lastSent, lastReceived
}

// saveLogon tells libraryID about a session. Sessions without a key have
// not logged on and produce nothing.
func (f *Framer) saveLogon(libraryID int32, s *GatewaySession, lastSent, lastReceived int32, status protocol.LogonStatus) int64 {
	if s.key.IsZero() {
		return 0
	}
	return f.inbound.Save(protocol.Logon{
		LibraryID:          libraryID,
		ConnectionID:       s.connectionID,
		SessionID:          s.sessionID,
		LastSentSeqNum:     lastSent,
		LastReceivedSeqNum: lastReceived,
		SenderCompID:       s.key.SenderCompID,
		SenderSubID:        s.key.SenderSubID,
		SenderLocationID:   s.key.SenderLocationID,
		TargetCompID:       s.key.TargetCompID,
		Username:           s.username,
		Password:           s.password,
		Status:             status,
	})
}

func (f *Framer) onLibraryConnect(libraryID int32, correlationID int64, publisherID int32) bus.Action {
	if r, ok := f.retry.Retry(correlationID); ok {
		return r.Action()
	}
	now := f.clock()
	if existing, ok := f.libraries[libraryID]; ok {
		existing.onHeartbeat(now)
		return f.pressure(f.inbound.Save(protocol.ControlNotification{
			LibraryID:  libraryID,
			SessionIDs: existing.sessionIDs(),
		}))
	}

	f.retry.FirstAttempt(correlationID, f.registerLibrary(libraryID, publisherID, now))
	return bus.Continue
}

// registerLibrary records a new library and returns the work that tells it
// about every session the engine manages.
func (f *Framer) registerLibrary(libraryID, publisherID int32, now time.Time) *work.UnitOfWork {
	liveness := newLivenessDetector(f.inbound, libraryID, f.cfg.ReplyTimeout, now)
	f.libraries[libraryID] = newLiveLibraryInfo(libraryID, publisherID, liveness)
	f.debug.Log(logging.TagLibraryConnect, "Library %d connected from publisher %d", libraryID, publisherID)
	f.logger.Info().
		Int32("library_id", libraryID).
		Int32("publisher_id", publisherID).
		Msg("framer.registerLibrary")

	engineSessions := f.gatewaySessions.Sessions()
	steps := make([]work.Continuation, 0, len(engineSessions)+1)
	for _, s := range engineSessions {
		steps = append(steps, work.Publish(func() int64 {
			return f.saveLogon(libraryID, s, protocol.UnknownSequence, protocol.UnknownSequence, protocol.LogonLibraryNotification)
		}))
	}
	return work.NewUnitOfWork(steps...)
}

func (f *Framer) onApplicationHeartbeat(libraryID int32, publisherID int32) bus.Action {
	now := f.clock()
	if lib, ok := f.libraries[libraryID]; ok {
		f.debug.Log(logging.TagLibraryConnect, "Heartbeat from library %d at %s", libraryID, now.Format(time.RFC3339Nano))
		lib.onHeartbeat(now)
		return bus.Continue
	}
	// An engine restart loses its libraries; the heartbeat re-registers it.
	// No request id is involved, so the work runs uncorrelated.
	uow := f.registerLibrary(libraryID, publisherID, now)
	uow.Add(work.Publish(func() int64 {
		return f.inbound.Save(protocol.ControlNotification{LibraryID: libraryID})
	}))
	f.schedule(uow)
	return bus.Continue
}

func (f *Framer) onReleaseSession(m protocol.ReleaseSession) bus.Action {
	lib, ok := f.libraries[m.LibraryID]
	if !ok {
		return f.pressure(f.saveReleaseSessionReply(m.LibraryID, protocol.ReplyUnknownLibrary, m.CorrelationID))
	}
	session := lib.removeSession(m.ConnectionID)
	if session == nil {
		return f.pressure(f.saveReleaseSessionReply(m.LibraryID, protocol.ReplyUnknownSession, m.CorrelationID))
	}

	action := f.pressure(f.saveReleaseSessionReply(m.LibraryID, protocol.ReplyOK, m.CorrelationID))
	if action == bus.Abort {
		// The library never heard it gave the session up.
		lib.addSession(session)
		return action
	}
	f.gatewaySessions.acquire(
		session,
		m.State,
		int32(time.Duration(m.HeartbeatIntervalMs)*time.Millisecond/time.Second),
		m.LastSentSeqNum,
		m.LastReceivedSeqNum,
		m.Username,
		m.Password,
	)
	return action
}

func (f *Framer) saveReleaseSessionReply(libraryID int32, status protocol.SessionReplyStatus, correlationID int64) int64 {
	return f.inbound.Save(protocol.ReleaseSessionReply{LibraryID: libraryID, Status: status, CorrelationID: correlationID})
}

func (f *Framer) saveRequestSessionReply(libraryID int32, status protocol.SessionReplyStatus, correlationID int64) int64 {
	return f.inbound.Save(protocol.RequestSessionReply{LibraryID: libraryID, Status: status, CorrelationID: correlationID})
}

func (f *Framer) onRequestSession(m protocol.RequestSession) bus.Action {
	if r, ok := f.retry.Retry(m.CorrelationID); ok {
		return r.Action()
	}
	lib, ok := f.libraries[m.LibraryID]
	if !ok {
		return f.pressure(f.saveRequestSessionReply(m.LibraryID, protocol.ReplyUnknownLibrary, m.CorrelationID))
	}
	session := f.gatewaySessions.bySessionID(m.SessionID)
	if session == nil {
		return f.pressure(f.saveRequestSessionReply(m.LibraryID, protocol.ReplyUnknownSession, m.CorrelationID))
	}
	if !session.IsActive() {
		return f.pressure(f.saveRequestSessionReply(m.LibraryID, protocol.ReplySessionNotLoggedIn, m.CorrelationID))
	}

	f.gatewaySessions.releaseBySessionID(m.SessionID)
	connectionID := session.connectionID
	lastSent := session.lastSent
	lastReceived := session.lastReceived
	state := session.state
	libraryID := m.LibraryID
	correlationID := m.CorrelationID
	lib.addSession(session)

	steps := []work.Continuation{
		work.Publish(func() int64 {
			return f.inbound.Save(protocol.ManageConnection{
				ConnectionID:       connectionID,
				SessionID:          m.SessionID,
				Address:            session.address,
				LibraryID:          libraryID,
				Type:               session.connectionType,
				LastSentSeqNum:     lastSent,
				LastReceivedSeqNum: lastReceived,
				State:              state,
				HeartbeatIntervalS: session.heartbeatIntervalS,
				CorrelationID:      correlationID,
			})
		}),
		work.Publish(func() int64 {
			return f.saveLogon(libraryID, session, lastSent, lastReceived, protocol.LogonNew)
		}),
	}
	steps = f.catchupSession(steps, libraryID, correlationID, m.ReplayFromSeqNum, session, lastReceived)
	f.retry.FirstAttempt(correlationID, work.NewUnitOfWork(steps...))
	return bus.Continue
}

// catchupSession appends the steps that bring a library up to date with
// (replayFrom, lastReceived] and answer its request.
func (f *Framer) catchupSession(
	steps []work.Continuation,
	libraryID int32,
	correlationID int64,
	replayFrom int32,
	session *GatewaySession,
	lastReceived int32,
) []work.Continuation {
	ok := work.Func(func() work.Result { return sendOk(f.inbound, correlationID, libraryID) })
	if replayFrom == protocol.NoMessageReplay {
		return append(steps, ok)
	}
	expected := lastReceived - replayFrom
	if expected < 0 {
		return append(steps, work.Func(func() work.Result {
			return f.sequenceNumberTooHigh(libraryID, correlationID, replayFrom, lastReceived)
		}))
	}
	if expected == 0 {
		return append(steps, ok)
	}

	connectionID := session.connectionID
	sessionID := session.sessionID
	return append(steps,
		work.Publish(func() int64 {
			return f.inbound.Save(protocol.Catchup{
				LibraryID:        libraryID,
				ConnectionID:     connectionID,
				ExpectedMessages: expected,
			})
		}),
		work.Await(func() bool {
			return f.receivedIndex.LastKnownSequenceNumber(sessionID) >= lastReceived
		}),
		newCatchupReplayer(
			f.inboundMessages,
			f.inboundStreamID,
			f.inbound,
			f.errs,
			f.clock,
			f.debug,
			correlationID,
			libraryID,
			session,
			expected,
			replayFrom,
			lastReceived,
		),
	)
}

func (f *Framer) sequenceNumberTooHigh(libraryID int32, correlationID int64, replayFrom, lastReceived int32) work.Result {
	pos := f.saveRequestSessionReply(libraryID, protocol.ReplySequenceNumberTooHigh, correlationID)
	if bus.IsBackPressured(pos) {
		return work.Retry
	}
	f.errs.OnError(fmt.Errorf(
		"framer: sequence number too high for %d, wanted %d, but we've only archived %d",
		correlationID, replayFrom, lastReceived,
	))
	return work.Fatal(protocol.SequenceNumberTooHigh)
}

// onRequestDisconnect honours any library's request, whichever library
// owns the connection.
func (f *Framer) onRequestDisconnect(connectionID int64, reason protocol.DisconnectReason) bus.Action {
	f.disconnect(connectionID, reason)
	return bus.Continue
}

// disconnect drops a connection from the endpoints and from whoever owns
// its session. The owner is taken from the session, not from whoever asked.
// Unknown connections are ignored.
func (f *Framer) disconnect(connectionID int64, reason protocol.DisconnectReason) {
	receiver := f.receivers.removeConnection(connectionID)
	// A logout queued before the request still goes out, unless the peer
	// is what failed.
	flush := reason != protocol.ReasonSlowConsumer && reason != protocol.ReasonException
	f.senders.removeConnection(connectionID, flush)

	owner := protocol.EngineLibraryID
	if receiver != nil && receiver.session != nil {
		owner = receiver.session.libraryID
	}
	if session := f.detach(connectionID, owner); session != nil {
		owner = session.libraryID
		session.state = protocol.SessionDisconnected
		if session.sessionID != NoSessionID {
			f.sessionIDs.OnDisconnect(session.sessionID)
		}
	}
	if receiver == nil {
		return
	}
	f.logger.Info().
		Int64("connection_id", connectionID).
		Int32("library_id", owner).
		Str("reason", reason.String()).
		Msg("framer.disconnect")
	f.schedule(work.Publish(func() int64 {
		return f.inbound.Save(protocol.Disconnect{LibraryID: owner, ConnectionID: connectionID, Reason: reason})
	}))
}

// detach removes the session on connectionID from its registry, trying the
// expected owner first.
func (f *Framer) detach(connectionID int64, owner int32) *GatewaySession {
	if lib, ok := f.libraries[owner]; ok {
		if s := lib.removeSession(connectionID); s != nil {
			return s
		}
	}
	if s := f.gatewaySessions.releaseByConnectionID(connectionID); s != nil {
		return s
	}
	for _, lib := range f.libraries {
		if s := lib.removeSession(connectionID); s != nil {
			return s
		}
	}
	return nil
}

func (f *Framer) onEndpointEvent(e endpointEvent) {
	switch e.kind {
	case eventLogon:
		s := e.session
		f.logger.Info().
			Int64("connection_id", s.connectionID).
			Int64("session_id", s.sessionID).
			Msg("framer.onEndpointEvent logon")
		f.schedule(work.Publish(func() int64 {
			return f.saveLogon(s.libraryID, s, s.lastSent, s.lastReceived, protocol.LogonNew)
		}))
	case eventDisconnect:
		f.disconnect(e.connectionID, e.reason)
	}
}

// onLibraryTimeout hands a dead library's sessions back to the engine.
// State is taken from the indices now and refreshed once the sent index
// has caught up with everything the library published.
func (f *Framer) onLibraryTimeout(lib *LiveLibraryInfo) {
	libraryID := lib.libraryID
	sessions := lib.sessions
	f.logger.Warn().
		Int32("library_id", libraryID).
		Int("sessions", len(sessions)).
		Msg("framer.onLibraryTimeout")
	observability.RecordLibraryTimeout()

	for _, s := range sessions {
		sent := f.sentIndex.LastKnownSequenceNumber(s.sessionID)
		received := f.receivedIndex.LastKnownSequenceNumber(s.sessionID)
		state := protocol.SessionConnected
		if received != protocol.UnknownSequence {
			state = protocol.SessionActive
		}
		f.gatewaySessions.acquire(s, state, s.heartbeatIntervalS, sent, received, s.username, s.password)
	}

	publisherID := lib.publisherID
	position := f.outboundLibrary.PositionOf(publisherID)
	f.schedule(work.NewUnitOfWork(
		work.Await(func() bool {
			return f.sentIndex.IndexedPosition(publisherID) >= position
		}),
		work.Func(func() work.Result {
			for _, s := range sessions {
				// Another library may have taken it since.
				if s.libraryID != protocol.EngineLibraryID || s.state == protocol.SessionDisconnected {
					continue
				}
				received := f.receivedIndex.LastKnownSequenceNumber(s.sessionID)
				s.updateSequenceNumbers(f.sentIndex.LastKnownSequenceNumber(s.sessionID), received)
				if received != protocol.UnknownSequence && s.state == protocol.SessionConnected {
					s.state = protocol.SessionActive
				}
			}
			return work.Done
		}),
		work.Publish(func() int64 {
			return f.inbound.Save(protocol.LibraryTimeout{LibraryID: libraryID})
		}),
	))
}
