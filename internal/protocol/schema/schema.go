package schema

import (
	"fmt"

	"github.com/danmuck/fixgate/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs of engine records.
const (
	MsgConnect              uint32 = 1
	MsgManageConnection     uint32 = 2
	MsgLogon                uint32 = 3
	MsgError                uint32 = 4
	MsgReleaseSessionReply  uint32 = 5
	MsgRequestSessionReply  uint32 = 6
	MsgCatchup              uint32 = 7
	MsgControlNotification  uint32 = 8
	MsgLibraryTimeout       uint32 = 9
	MsgResetSessionIds      uint32 = 10
	MsgResetSequenceNumber  uint32 = 11
	MsgFixMessage           uint32 = 12
	MsgDisconnect           uint32 = 13
	MsgInitiateConnection   uint32 = 14
	MsgLibraryConnect       uint32 = 15
	MsgApplicationHeartbeat uint32 = 16
	MsgReleaseSession       uint32 = 17
	MsgRequestSession       uint32 = 18
	MsgRequestDisconnect    uint32 = 19
)

// Field IDs of engine records.
const (
	FieldLibraryID     uint16 = 1
	FieldConnectionID  uint16 = 2
	FieldSessionID     uint16 = 3
	FieldCorrelationID uint16 = 4

	FieldAddress        uint16 = 10
	FieldHost           uint16 = 11
	FieldPort           uint16 = 12
	FieldConnectionType uint16 = 13

	FieldLastSentSeqNum      uint16 = 20
	FieldLastReceivedSeqNum  uint16 = 21
	FieldSessionState        uint16 = 22
	FieldHeartbeatIntervalS  uint16 = 23
	FieldSequenceNumberType  uint16 = 24
	FieldInitialSeqNum       uint16 = 25
	FieldReplayFromSeqNum    uint16 = 26
	FieldExpectedMessages    uint16 = 27
	FieldLogonStatus         uint16 = 28
	FieldDisconnectReason    uint16 = 29
	FieldSessionIDs          uint16 = 30
	FieldHeartbeatIntervalMs uint16 = 31

	FieldSenderCompID     uint16 = 40
	FieldSenderSubID      uint16 = 41
	FieldSenderLocationID uint16 = 42
	FieldTargetCompID     uint16 = 43
	FieldUsername         uint16 = 44
	FieldPassword         uint16 = 45

	FieldGatewayError uint16 = 50
	FieldMessage      uint16 = 51
	FieldReplyStatus  uint16 = 52

	FieldFixMessageType uint16 = 60
	FieldTimestamp      uint16 = 61
	FieldMessageStatus  uint16 = 62
	// FieldBody is always the last field of a FixMessage record.
	FieldBody uint16 = 63
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var sessionKey = []Requirement{
	{FieldSenderCompID, tlv.TypeString},
	{FieldSenderSubID, tlv.TypeString},
	{FieldSenderLocationID, tlv.TypeString},
	{FieldTargetCompID, tlv.TypeString},
}

func with(base []Requirement, more ...Requirement) []Requirement {
	out := make([]Requirement, 0, len(base)+len(more))
	out = append(out, base...)
	return append(out, more...)
}

var requirements = map[uint32][]Requirement{
	MsgConnect: {
		{FieldConnectionID, tlv.TypeU64},
		{FieldAddress, tlv.TypeString},
	},
	MsgManageConnection: {
		{FieldConnectionID, tlv.TypeU64},
		{FieldSessionID, tlv.TypeU64},
		{FieldAddress, tlv.TypeString},
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionType, tlv.TypeU8},
		{FieldLastSentSeqNum, tlv.TypeU32},
		{FieldLastReceivedSeqNum, tlv.TypeU32},
		{FieldSessionState, tlv.TypeU8},
		{FieldHeartbeatIntervalS, tlv.TypeU32},
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgLogon: with(sessionKey,
		Requirement{FieldLibraryID, tlv.TypeU32},
		Requirement{FieldConnectionID, tlv.TypeU64},
		Requirement{FieldSessionID, tlv.TypeU64},
		Requirement{FieldLastSentSeqNum, tlv.TypeU32},
		Requirement{FieldLastReceivedSeqNum, tlv.TypeU32},
		Requirement{FieldUsername, tlv.TypeString},
		Requirement{FieldPassword, tlv.TypeString},
		Requirement{FieldLogonStatus, tlv.TypeU8},
	),
	MsgError: {
		{FieldGatewayError, tlv.TypeU8},
		{FieldLibraryID, tlv.TypeU32},
		{FieldCorrelationID, tlv.TypeU64},
		{FieldMessage, tlv.TypeString},
	},
	MsgReleaseSessionReply: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldReplyStatus, tlv.TypeU8},
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgRequestSessionReply: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldReplyStatus, tlv.TypeU8},
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgCatchup: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionID, tlv.TypeU64},
		{FieldExpectedMessages, tlv.TypeU32},
	},
	MsgControlNotification: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldSessionIDs, tlv.TypeBytes},
	},
	MsgLibraryTimeout: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionID, tlv.TypeU64},
	},
	MsgResetSessionIds: {},
	MsgResetSequenceNumber: {
		{FieldSessionID, tlv.TypeU64},
	},
	MsgFixMessage: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionID, tlv.TypeU64},
		{FieldSessionID, tlv.TypeU64},
		{FieldFixMessageType, tlv.TypeString},
		{FieldTimestamp, tlv.TypeU64},
		{FieldMessageStatus, tlv.TypeU8},
		{FieldBody, tlv.TypeBytes},
	},
	MsgDisconnect: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionID, tlv.TypeU64},
		{FieldDisconnectReason, tlv.TypeU8},
	},
	MsgInitiateConnection: with(sessionKey,
		Requirement{FieldLibraryID, tlv.TypeU32},
		Requirement{FieldPort, tlv.TypeU32},
		Requirement{FieldHost, tlv.TypeString},
		Requirement{FieldSequenceNumberType, tlv.TypeU8},
		Requirement{FieldInitialSeqNum, tlv.TypeU32},
		Requirement{FieldUsername, tlv.TypeString},
		Requirement{FieldPassword, tlv.TypeString},
		Requirement{FieldHeartbeatIntervalS, tlv.TypeU32},
		Requirement{FieldCorrelationID, tlv.TypeU64},
	),
	MsgLibraryConnect: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgApplicationHeartbeat: {
		{FieldLibraryID, tlv.TypeU32},
	},
	MsgReleaseSession: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionID, tlv.TypeU64},
		{FieldCorrelationID, tlv.TypeU64},
		{FieldSessionState, tlv.TypeU8},
		{FieldHeartbeatIntervalMs, tlv.TypeU64},
		{FieldLastSentSeqNum, tlv.TypeU32},
		{FieldLastReceivedSeqNum, tlv.TypeU32},
		{FieldUsername, tlv.TypeString},
		{FieldPassword, tlv.TypeString},
	},
	MsgRequestSession: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldSessionID, tlv.TypeU64},
		{FieldCorrelationID, tlv.TypeU64},
		{FieldReplayFromSeqNum, tlv.TypeU32},
	},
	MsgRequestDisconnect: {
		{FieldLibraryID, tlv.TypeU32},
		{FieldConnectionID, tlv.TypeU64},
		{FieldDisconnectReason, tlv.TypeU8},
	},
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
