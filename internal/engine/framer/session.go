package framer

import (
	"time"

	"github.com/danmuck/fixgate/internal/engine/sessionids"
	"github.com/danmuck/fixgate/internal/protocol"
)

// NoSessionID marks an accepted connection whose logon has not been seen.
const NoSessionID int64 = 0

// GatewaySession binds one live connection to its session. It is owned by
// exactly one of the engine registry or a library at any time.
type GatewaySession struct {
	connectionID   int64
	sessionID      int64
	address        string
	connectionType protocol.ConnectionType
	key            sessionids.CompositeKey
	receiver       *ReceiverEndPoint
	sender         *SenderEndPoint

	libraryID          int32
	state              protocol.SessionState
	heartbeatIntervalS int32
	lastSent           int32
	lastReceived       int32
	username           string
	password           string
	// disconnectAt is only set while an accepted connection awaits logon.
	disconnectAt time.Time
}

func newGatewaySession(
	connectionID, sessionID int64,
	address string,
	connectionType protocol.ConnectionType,
	key sessionids.CompositeKey,
	receiver *ReceiverEndPoint,
	sender *SenderEndPoint,
) *GatewaySession {
	return &GatewaySession{
		connectionID:   connectionID,
		sessionID:      sessionID,
		address:        address,
		connectionType: connectionType,
		key:            key,
		receiver:       receiver,
		sender:         sender,
		state:          protocol.SessionConnected,
		lastSent:       protocol.UnknownSequence,
		lastReceived:   protocol.UnknownSequence,
	}
}

func (s *GatewaySession) ConnectionID() int64 { return s.connectionID }
func (s *GatewaySession) SessionID() int64 { return s.sessionID }
func (s *GatewaySession) Address() string { return s.address }
func (s *GatewaySession) ConnectionType() protocol.ConnectionType { return s.connectionType }
func (s *GatewaySession) Key() sessionids.CompositeKey { return s.key }
func (s *GatewaySession) LibraryID() int32 { return s.libraryID }
func (s *GatewaySession) State() protocol.SessionState { return s.state }
func (s *GatewaySession) LastSentSeqNum() int32 { return s.lastSent }
func (s *GatewaySession) LastReceivedSeqNum() int32 { return s.lastReceived }
func (s *GatewaySession) HeartbeatIntervalS() int32 { return s.heartbeatIntervalS }

func (s *GatewaySession) IsActive() bool {
	return s.state == protocol.SessionActive
}

// handoverManagementTo moves ownership and points both endpoints at the new
// owner so inbound messages are tagged for it.
func (s *GatewaySession) handoverManagementTo(libraryID int32) {
	s.libraryID = libraryID
	if s.receiver != nil {
		s.receiver.libraryID = libraryID
	}
	if s.sender != nil {
		s.sender.libraryID = libraryID
	}
}

func (s *GatewaySession) onLogon(sessionID int64, key sessionids.CompositeKey, username, password string, heartbeatIntervalS int32) {
	s.sessionID = sessionID
	s.key = key
	s.username = username
	s.password = password
	if heartbeatIntervalS > 0 {
		s.heartbeatIntervalS = heartbeatIntervalS
	}
	if s.receiver != nil {
		s.receiver.sessionID = sessionID
	}
}

// updateSequenceNumbers never moves a sequence number backwards.
func (s *GatewaySession) updateSequenceNumbers(sent, received int32) {
	s.lastSent = max(s.lastSent, sent)
	s.lastReceived = max(s.lastReceived, received)
}

// resetSequenceNumbers is the one path that lowers them.
func (s *GatewaySession) resetSequenceNumbers() {
	s.lastSent = 0
	s.lastReceived = 0
}

func (s *GatewaySession) info() SessionInfo {
	return SessionInfo{
		ConnectionID:       s.connectionID,
		SessionID:          s.sessionID,
		Address:            s.address,
		ConnectionType:     s.connectionType.String(),
		State:              s.state.String(),
		Key:                s.key.String(),
		LastSentSeqNum:     s.lastSent,
		LastReceivedSeqNum: s.lastReceived,
		HeartbeatIntervalS: s.heartbeatIntervalS,
	}
}

// GatewaySessions is the engine-owned registry.
type GatewaySessions struct {
	sessions []*GatewaySession
	expired  []*GatewaySession
}

func newGatewaySessions() *GatewaySessions {
	return &GatewaySessions{}
}

func (g *GatewaySessions) Sessions() []*GatewaySession {
	return g.sessions
}

// acquire takes ownership of a session on the engine's behalf.
func (g *GatewaySessions) acquire(
	session *GatewaySession,
	state protocol.SessionState,
	heartbeatIntervalS int32,
	lastSent, lastReceived int32,
	username, password string,
) {
	session.handoverManagementTo(protocol.EngineLibraryID)
	session.state = state
	if heartbeatIntervalS > 0 {
		session.heartbeatIntervalS = heartbeatIntervalS
	}
	session.updateSequenceNumbers(lastSent, lastReceived)
	if username != "" {
		session.username = username
	}
	if password != "" {
		session.password = password
	}
	g.sessions = append(g.sessions, session)
}

func (g *GatewaySessions) bySessionID(sessionID int64) *GatewaySession {
	for _, s := range g.sessions {
		if s.sessionID == sessionID {
			return s
		}
	}
	return nil
}

func (g *GatewaySessions) release(match func(*GatewaySession) bool) *GatewaySession {
	for i, s := range g.sessions {
		if match(s) {
			g.sessions = append(g.sessions[:i], g.sessions[i+1:]...)
			return s
		}
	}
	return nil
}

func (g *GatewaySessions) releaseBySessionID(sessionID int64) *GatewaySession {
	return g.release(func(s *GatewaySession) bool { return s.sessionID == sessionID })
}

func (g *GatewaySessions) releaseByConnectionID(connectionID int64) *GatewaySession {
	return g.release(func(s *GatewaySession) bool { return s.connectionID == connectionID })
}

// pollSessions returns sessions whose logon deadline has passed. The slice
// is reused on the next call.
func (g *GatewaySessions) pollSessions(now time.Time) []*GatewaySession {
	g.expired = g.expired[:0]
	for _, s := range g.sessions {
		if s.state == protocol.SessionConnected && !s.disconnectAt.IsZero() && !now.Before(s.disconnectAt) {
			g.expired = append(g.expired, s)
		}
	}
	return g.expired
}
