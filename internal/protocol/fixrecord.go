package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/fixgate/internal/protocol/frame"
	s "github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/danmuck/fixgate/internal/protocol/tlv"
)

// FixBody locates the wire message inside an encoded FixMessage record.
// Offsets are relative to the start of the record.
type FixBody struct {
	FieldOffset int
	Offset      int
	Length      int
}

// End is the offset one past the body.
func (b FixBody) End() int { return b.Offset + b.Length }

// LocateFixBody finds the body field of a FixMessage record without decoding
// the other fields.
func LocateFixBody(record []byte) (FixBody, error) {
	mt, ok := frame.PeekMessageType(record)
	if !ok {
		return FixBody{}, frame.ErrShortHeader
	}
	if mt != s.MsgFixMessage {
		return FixBody{}, fmt.Errorf("%w: message type %d", ErrNotFixMessage, mt)
	}
	payload := record[frame.FixedHeaderLen:]
	off, err := tlv.FindField(payload, s.FieldBody)
	if err != nil {
		return FixBody{}, err
	}
	n := tlv.ValueLen(payload, off)
	body := FixBody{
		FieldOffset: int(frame.FixedHeaderLen) + off,
		Offset:      int(frame.FixedHeaderLen) + off + tlv.HeaderLen,
		Length:      n,
	}
	if body.End() > len(record) {
		return FixBody{}, fmt.Errorf("%w: body overruns record", ErrInvalidLength)
	}
	return body, nil
}

// SetFixBodyLength rewrites both the body field length and the frame payload
// length after the body has grown or shrunk in place. The body must be the
// last field of the record.
func SetFixBodyLength(record []byte, body FixBody, n int) {
	tlv.PutValueLen(record, body.FieldOffset, n)
	frame.PutPayloadLen(record, body.Offset-int(frame.FixedHeaderLen)+n)
}

func fieldValueOffset(record []byte, id uint16) (int, error) {
	if len(record) < int(frame.FixedHeaderLen) {
		return -1, frame.ErrShortHeader
	}
	payload := record[frame.FixedHeaderLen:]
	off, err := tlv.FindField(payload, id)
	if err != nil {
		return -1, err
	}
	return int(frame.FixedHeaderLen) + off + tlv.HeaderLen, nil
}

// PutLibraryID patches the library id of an encoded record in place.
func PutLibraryID(record []byte, libraryID int32) error {
	off, err := fieldValueOffset(record, s.FieldLibraryID)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(record[off:off+4], uint32(libraryID))
	return nil
}

// PutMessageStatus patches the status of an encoded FixMessage in place.
func PutMessageStatus(record []byte, status MessageStatus) error {
	off, err := fieldValueOffset(record, s.FieldMessageStatus)
	if err != nil {
		return err
	}
	record[off] = byte(status)
	return nil
}

// FixMessageSessionID reads the session id of an encoded FixMessage.
func FixMessageSessionID(record []byte) (int64, error) {
	off, err := fieldValueOffset(record, s.FieldSessionID)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(record[off : off+8])), nil
}

// PutConnectionID patches the connection id of an encoded record in place.
func PutConnectionID(record []byte, connectionID int64) error {
	off, err := fieldValueOffset(record, s.FieldConnectionID)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(record[off:off+8], uint64(connectionID))
	return nil
}
