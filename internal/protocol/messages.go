package protocol

import (
	"encoding/binary"

	s "github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/danmuck/fixgate/internal/protocol/tlv"
)

// Message is one engine record. The set is closed: only types in this file
// implement it, and consumers dispatch with a single type switch.
type Message interface {
	MessageType() uint32
	fields(dst []tlv.Field) []tlv.Field
}

func i32(id uint16, v int32) tlv.Field { return tlv.U32(id, uint32(v)) }
func i64(id uint16, v int64) tlv.Field { return tlv.U64(id, uint64(v)) }

// Engine -> library records.

type Connect struct {
	ConnectionID int64
	Address      string
}

type ManageConnection struct {
	ConnectionID       int64
	SessionID          int64
	Address            string
	LibraryID          int32
	Type               ConnectionType
	LastSentSeqNum     int32
	LastReceivedSeqNum int32
	State              SessionState
	HeartbeatIntervalS int32
	CorrelationID      int64
}

type Logon struct {
	LibraryID          int32
	ConnectionID       int64
	SessionID          int64
	LastSentSeqNum     int32
	LastReceivedSeqNum int32
	SenderCompID       string
	SenderSubID        string
	SenderLocationID   string
	TargetCompID       string
	Username           string
	Password           string
	Status             LogonStatus
}

type Error struct {
	Kind      GatewayError
	LibraryID int32
	ReplyToID int64
	Message   string
}

type ReleaseSessionReply struct {
	LibraryID     int32
	Status        SessionReplyStatus
	CorrelationID int64
}

type RequestSessionReply struct {
	LibraryID     int32
	Status        SessionReplyStatus
	CorrelationID int64
}

type Catchup struct {
	LibraryID        int32
	ConnectionID     int64
	ExpectedMessages int32
}

type ControlNotification struct {
	LibraryID  int32
	SessionIDs []int64
}

type LibraryTimeout struct {
	LibraryID    int32
	ConnectionID int64
}

type ResetSessionIds struct{}

type ResetSequenceNumber struct {
	SessionID int64
}

// FixMessage carries one wire message. Body aliases the decoded record.
type FixMessage struct {
	LibraryID    int32
	ConnectionID int64
	SessionID    int64
	MsgType      string
	Timestamp    int64
	Status       MessageStatus
	Body         []byte
}

type Disconnect struct {
	LibraryID    int32
	ConnectionID int64
	Reason       DisconnectReason
}

// Library -> engine records.

type InitiateConnection struct {
	LibraryID          int32
	Port               int32
	Host               string
	SenderCompID       string
	SenderSubID        string
	SenderLocationID   string
	TargetCompID       string
	SequenceNumberType SequenceNumberType
	InitialSeqNum      int32
	Username           string
	Password           string
	HeartbeatIntervalS int32
	CorrelationID      int64
}

type LibraryConnect struct {
	LibraryID     int32
	CorrelationID int64
}

type ApplicationHeartbeat struct {
	LibraryID int32
}

type ReleaseSession struct {
	LibraryID           int32
	ConnectionID        int64
	CorrelationID       int64
	State               SessionState
	HeartbeatIntervalMs int64
	LastSentSeqNum      int32
	LastReceivedSeqNum  int32
	Username            string
	Password            string
}

type RequestSession struct {
	LibraryID        int32
	SessionID        int64
	CorrelationID    int64
	ReplayFromSeqNum int32
}

type RequestDisconnect struct {
	LibraryID    int32
	ConnectionID int64
	Reason       DisconnectReason
}

func (Connect) MessageType() uint32              { return s.MsgConnect }
func (ManageConnection) MessageType() uint32     { return s.MsgManageConnection }
func (Logon) MessageType() uint32                { return s.MsgLogon }
func (Error) MessageType() uint32                { return s.MsgError }
func (ReleaseSessionReply) MessageType() uint32  { return s.MsgReleaseSessionReply }
func (RequestSessionReply) MessageType() uint32  { return s.MsgRequestSessionReply }
func (Catchup) MessageType() uint32              { return s.MsgCatchup }
func (ControlNotification) MessageType() uint32  { return s.MsgControlNotification }
func (LibraryTimeout) MessageType() uint32       { return s.MsgLibraryTimeout }
func (ResetSessionIds) MessageType() uint32      { return s.MsgResetSessionIds }
func (ResetSequenceNumber) MessageType() uint32  { return s.MsgResetSequenceNumber }
func (FixMessage) MessageType() uint32           { return s.MsgFixMessage }
func (Disconnect) MessageType() uint32           { return s.MsgDisconnect }
func (InitiateConnection) MessageType() uint32   { return s.MsgInitiateConnection }
func (LibraryConnect) MessageType() uint32       { return s.MsgLibraryConnect }
func (ApplicationHeartbeat) MessageType() uint32 { return s.MsgApplicationHeartbeat }
func (ReleaseSession) MessageType() uint32       { return s.MsgReleaseSession }
func (RequestSession) MessageType() uint32       { return s.MsgRequestSession }
func (RequestDisconnect) MessageType() uint32    { return s.MsgRequestDisconnect }

func (m Connect) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i64(s.FieldConnectionID, m.ConnectionID),
		tlv.String(s.FieldAddress, m.Address),
	)
}

func (m ManageConnection) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i64(s.FieldConnectionID, m.ConnectionID),
		i64(s.FieldSessionID, m.SessionID),
		tlv.String(s.FieldAddress, m.Address),
		i32(s.FieldLibraryID, m.LibraryID),
		tlv.U8(s.FieldConnectionType, uint8(m.Type)),
		i32(s.FieldLastSentSeqNum, m.LastSentSeqNum),
		i32(s.FieldLastReceivedSeqNum, m.LastReceivedSeqNum),
		tlv.U8(s.FieldSessionState, uint8(m.State)),
		i32(s.FieldHeartbeatIntervalS, m.HeartbeatIntervalS),
		i64(s.FieldCorrelationID, m.CorrelationID),
	)
}

func (m Logon) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
		i64(s.FieldSessionID, m.SessionID),
		i32(s.FieldLastSentSeqNum, m.LastSentSeqNum),
		i32(s.FieldLastReceivedSeqNum, m.LastReceivedSeqNum),
		tlv.String(s.FieldSenderCompID, m.SenderCompID),
		tlv.String(s.FieldSenderSubID, m.SenderSubID),
		tlv.String(s.FieldSenderLocationID, m.SenderLocationID),
		tlv.String(s.FieldTargetCompID, m.TargetCompID),
		tlv.String(s.FieldUsername, m.Username),
		tlv.String(s.FieldPassword, m.Password),
		tlv.U8(s.FieldLogonStatus, uint8(m.Status)),
	)
}

func (m Error) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		tlv.U8(s.FieldGatewayError, uint8(m.Kind)),
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldCorrelationID, m.ReplyToID),
		tlv.String(s.FieldMessage, m.Message),
	)
}

func (m ReleaseSessionReply) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		tlv.U8(s.FieldReplyStatus, uint8(m.Status)),
		i64(s.FieldCorrelationID, m.CorrelationID),
	)
}

func (m RequestSessionReply) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		tlv.U8(s.FieldReplyStatus, uint8(m.Status)),
		i64(s.FieldCorrelationID, m.CorrelationID),
	)
}

func (m Catchup) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
		i32(s.FieldExpectedMessages, m.ExpectedMessages),
	)
}

func (m ControlNotification) fields(dst []tlv.Field) []tlv.Field {
	ids := make([]byte, 8*len(m.SessionIDs))
	for i, id := range m.SessionIDs {
		binary.BigEndian.PutUint64(ids[i*8:], uint64(id))
	}
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		tlv.Bytes(s.FieldSessionIDs, ids),
	)
}

func (m LibraryTimeout) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
	)
}

func (ResetSessionIds) fields(dst []tlv.Field) []tlv.Field { return dst }

func (m ResetSequenceNumber) fields(dst []tlv.Field) []tlv.Field {
	return append(dst, i64(s.FieldSessionID, m.SessionID))
}

func (m FixMessage) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
		i64(s.FieldSessionID, m.SessionID),
		tlv.String(s.FieldFixMessageType, m.MsgType),
		i64(s.FieldTimestamp, m.Timestamp),
		tlv.U8(s.FieldMessageStatus, uint8(m.Status)),
		tlv.Bytes(s.FieldBody, m.Body),
	)
}

func (m Disconnect) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
		tlv.U8(s.FieldDisconnectReason, uint8(m.Reason)),
	)
}

func (m InitiateConnection) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i32(s.FieldPort, m.Port),
		tlv.String(s.FieldHost, m.Host),
		tlv.String(s.FieldSenderCompID, m.SenderCompID),
		tlv.String(s.FieldSenderSubID, m.SenderSubID),
		tlv.String(s.FieldSenderLocationID, m.SenderLocationID),
		tlv.String(s.FieldTargetCompID, m.TargetCompID),
		tlv.U8(s.FieldSequenceNumberType, uint8(m.SequenceNumberType)),
		i32(s.FieldInitialSeqNum, m.InitialSeqNum),
		tlv.String(s.FieldUsername, m.Username),
		tlv.String(s.FieldPassword, m.Password),
		i32(s.FieldHeartbeatIntervalS, m.HeartbeatIntervalS),
		i64(s.FieldCorrelationID, m.CorrelationID),
	)
}

func (m LibraryConnect) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldCorrelationID, m.CorrelationID),
	)
}

func (m ApplicationHeartbeat) fields(dst []tlv.Field) []tlv.Field {
	return append(dst, i32(s.FieldLibraryID, m.LibraryID))
}

func (m ReleaseSession) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
		i64(s.FieldCorrelationID, m.CorrelationID),
		tlv.U8(s.FieldSessionState, uint8(m.State)),
		i64(s.FieldHeartbeatIntervalMs, m.HeartbeatIntervalMs),
		i32(s.FieldLastSentSeqNum, m.LastSentSeqNum),
		i32(s.FieldLastReceivedSeqNum, m.LastReceivedSeqNum),
		tlv.String(s.FieldUsername, m.Username),
		tlv.String(s.FieldPassword, m.Password),
	)
}

func (m RequestSession) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldSessionID, m.SessionID),
		i64(s.FieldCorrelationID, m.CorrelationID),
		i32(s.FieldReplayFromSeqNum, m.ReplayFromSeqNum),
	)
}

func (m RequestDisconnect) fields(dst []tlv.Field) []tlv.Field {
	return append(dst,
		i32(s.FieldLibraryID, m.LibraryID),
		i64(s.FieldConnectionID, m.ConnectionID),
		tlv.U8(s.FieldDisconnectReason, uint8(m.Reason)),
	)
}
