package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/fixgate/internal/protocol/frame"
	s "github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/danmuck/fixgate/internal/protocol/tlv"
)

var limits = frame.DefaultLimits()

// Encode renders msg as a record.
func Encode(msg Message, messageID uint64) ([]byte, error) {
	return AppendRecord(nil, msg, messageID)
}

// AppendRecord renders msg onto dst.
func AppendRecord(dst []byte, msg Message, messageID uint64) ([]byte, error) {
	var scratch [16]tlv.Field
	payload := tlv.EncodeFields(msg.fields(scratch[:0]))
	var flags uint32
	switch m := msg.(type) {
	case Error:
		flags = frame.FlagIsError | frame.FlagIsReply
	case ReleaseSessionReply, RequestSessionReply:
		flags = frame.FlagIsReply
	case ManageConnection:
		if m.CorrelationID != 0 {
			flags = frame.FlagIsReply
		}
	}
	return frame.Append(dst, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: msg.MessageType(),
			Flags:       flags,
		},
		Payload: payload,
	}, limits)
}

// Decode parses a record. Byte-slice values in the result alias record.
func Decode(record []byte) (Message, error) {
	f, err := frame.Parse(record, limits)
	if err != nil {
		return nil, err
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	mt := f.Header.MessageType
	if !s.Known(mt) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, mt)
	}
	if err := s.Validate(mt, fields); err != nil {
		return nil, err
	}

	r := reader{fields: fields}
	var msg Message
	switch mt {
	case s.MsgConnect:
		msg = Connect{
			ConnectionID: r.i64(s.FieldConnectionID),
			Address:      r.str(s.FieldAddress),
		}
	case s.MsgManageConnection:
		msg = ManageConnection{
			ConnectionID:       r.i64(s.FieldConnectionID),
			SessionID:          r.i64(s.FieldSessionID),
			Address:            r.str(s.FieldAddress),
			LibraryID:          r.i32(s.FieldLibraryID),
			Type:               ConnectionType(r.u8(s.FieldConnectionType)),
			LastSentSeqNum:     r.i32(s.FieldLastSentSeqNum),
			LastReceivedSeqNum: r.i32(s.FieldLastReceivedSeqNum),
			State:              SessionState(r.u8(s.FieldSessionState)),
			HeartbeatIntervalS: r.i32(s.FieldHeartbeatIntervalS),
			CorrelationID:      r.i64(s.FieldCorrelationID),
		}
	case s.MsgLogon:
		msg = Logon{
			LibraryID:          r.i32(s.FieldLibraryID),
			ConnectionID:       r.i64(s.FieldConnectionID),
			SessionID:          r.i64(s.FieldSessionID),
			LastSentSeqNum:     r.i32(s.FieldLastSentSeqNum),
			LastReceivedSeqNum: r.i32(s.FieldLastReceivedSeqNum),
			SenderCompID:       r.str(s.FieldSenderCompID),
			SenderSubID:        r.str(s.FieldSenderSubID),
			SenderLocationID:   r.str(s.FieldSenderLocationID),
			TargetCompID:       r.str(s.FieldTargetCompID),
			Username:           r.str(s.FieldUsername),
			Password:           r.str(s.FieldPassword),
			Status:             LogonStatus(r.u8(s.FieldLogonStatus)),
		}
	case s.MsgError:
		msg = Error{
			Kind:      GatewayError(r.u8(s.FieldGatewayError)),
			LibraryID: r.i32(s.FieldLibraryID),
			ReplyToID: r.i64(s.FieldCorrelationID),
			Message:   r.str(s.FieldMessage),
		}
	case s.MsgReleaseSessionReply:
		msg = ReleaseSessionReply{
			LibraryID:     r.i32(s.FieldLibraryID),
			Status:        SessionReplyStatus(r.u8(s.FieldReplyStatus)),
			CorrelationID: r.i64(s.FieldCorrelationID),
		}
	case s.MsgRequestSessionReply:
		msg = RequestSessionReply{
			LibraryID:     r.i32(s.FieldLibraryID),
			Status:        SessionReplyStatus(r.u8(s.FieldReplyStatus)),
			CorrelationID: r.i64(s.FieldCorrelationID),
		}
	case s.MsgCatchup:
		msg = Catchup{
			LibraryID:        r.i32(s.FieldLibraryID),
			ConnectionID:     r.i64(s.FieldConnectionID),
			ExpectedMessages: r.i32(s.FieldExpectedMessages),
		}
	case s.MsgControlNotification:
		raw := r.bytes(s.FieldSessionIDs)
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("%w: session id list of %d bytes", ErrInvalidLength, len(raw))
		}
		ids := make([]int64, len(raw)/8)
		for i := range ids {
			ids[i] = int64(binary.BigEndian.Uint64(raw[i*8:]))
		}
		msg = ControlNotification{LibraryID: r.i32(s.FieldLibraryID), SessionIDs: ids}
	case s.MsgLibraryTimeout:
		msg = LibraryTimeout{
			LibraryID:    r.i32(s.FieldLibraryID),
			ConnectionID: r.i64(s.FieldConnectionID),
		}
	case s.MsgResetSessionIds:
		msg = ResetSessionIds{}
	case s.MsgResetSequenceNumber:
		msg = ResetSequenceNumber{SessionID: r.i64(s.FieldSessionID)}
	case s.MsgFixMessage:
		msg = FixMessage{
			LibraryID:    r.i32(s.FieldLibraryID),
			ConnectionID: r.i64(s.FieldConnectionID),
			SessionID:    r.i64(s.FieldSessionID),
			MsgType:      r.str(s.FieldFixMessageType),
			Timestamp:    r.i64(s.FieldTimestamp),
			Status:       MessageStatus(r.u8(s.FieldMessageStatus)),
			Body:         r.bytes(s.FieldBody),
		}
	case s.MsgDisconnect:
		msg = Disconnect{
			LibraryID:    r.i32(s.FieldLibraryID),
			ConnectionID: r.i64(s.FieldConnectionID),
			Reason:       DisconnectReason(r.u8(s.FieldDisconnectReason)),
		}
	case s.MsgInitiateConnection:
		msg = InitiateConnection{
			LibraryID:          r.i32(s.FieldLibraryID),
			Port:               r.i32(s.FieldPort),
			Host:               r.str(s.FieldHost),
			SenderCompID:       r.str(s.FieldSenderCompID),
			SenderSubID:        r.str(s.FieldSenderSubID),
			SenderLocationID:   r.str(s.FieldSenderLocationID),
			TargetCompID:       r.str(s.FieldTargetCompID),
			SequenceNumberType: SequenceNumberType(r.u8(s.FieldSequenceNumberType)),
			InitialSeqNum:      r.i32(s.FieldInitialSeqNum),
			Username:           r.str(s.FieldUsername),
			Password:           r.str(s.FieldPassword),
			HeartbeatIntervalS: r.i32(s.FieldHeartbeatIntervalS),
			CorrelationID:      r.i64(s.FieldCorrelationID),
		}
	case s.MsgLibraryConnect:
		msg = LibraryConnect{
			LibraryID:     r.i32(s.FieldLibraryID),
			CorrelationID: r.i64(s.FieldCorrelationID),
		}
	case s.MsgApplicationHeartbeat:
		msg = ApplicationHeartbeat{LibraryID: r.i32(s.FieldLibraryID)}
	case s.MsgReleaseSession:
		msg = ReleaseSession{
			LibraryID:           r.i32(s.FieldLibraryID),
			ConnectionID:        r.i64(s.FieldConnectionID),
			CorrelationID:       r.i64(s.FieldCorrelationID),
			State:               SessionState(r.u8(s.FieldSessionState)),
			HeartbeatIntervalMs: r.i64(s.FieldHeartbeatIntervalMs),
			LastSentSeqNum:      r.i32(s.FieldLastSentSeqNum),
			LastReceivedSeqNum:  r.i32(s.FieldLastReceivedSeqNum),
			Username:            r.str(s.FieldUsername),
			Password:            r.str(s.FieldPassword),
		}
	case s.MsgRequestSession:
		msg = RequestSession{
			LibraryID:        r.i32(s.FieldLibraryID),
			SessionID:        r.i64(s.FieldSessionID),
			CorrelationID:    r.i64(s.FieldCorrelationID),
			ReplayFromSeqNum: r.i32(s.FieldReplayFromSeqNum),
		}
	case s.MsgRequestDisconnect:
		msg = RequestDisconnect{
			LibraryID:    r.i32(s.FieldLibraryID),
			ConnectionID: r.i64(s.FieldConnectionID),
			Reason:       DisconnectReason(r.u8(s.FieldDisconnectReason)),
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// reader pulls validated fields; the first width error sticks.
type reader struct {
	fields []tlv.Field
	err    error
}

func (r *reader) value(id uint16) []byte {
	f, _ := tlv.GetField(r.fields, id)
	return f.Value
}

func (r *reader) u8(id uint16) uint8 {
	v, err := tlv.U8FromBytes(r.value(id))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: field %d: %v", ErrInvalidLength, id, err)
	}
	return v
}

func (r *reader) i32(id uint16) int32 {
	v, err := tlv.U32FromBytes(r.value(id))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: field %d: %v", ErrInvalidLength, id, err)
	}
	return int32(v)
}

func (r *reader) i64(id uint16) int64 {
	v, err := tlv.U64FromBytes(r.value(id))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: field %d: %v", ErrInvalidLength, id, err)
	}
	return int64(v)
}

func (r *reader) str(id uint16) string {
	return string(r.value(id))
}

func (r *reader) bytes(id uint16) []byte {
	return r.value(id)
}
