package fix

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed       = errors.New("fix: malformed message")
	ErrMissingChecksum = errors.New("fix: missing checksum trailer")
)

// Span locates a field value inside a message. Offset is -1 when absent.
type Span struct {
	Offset int
	Length int
}

// NoEntry marks an absent field.
var NoEntry = Span{Offset: -1}

func (s Span) Present() bool { return s.Offset >= 0 }

// End is the offset one past the value, which is where its separator sits.
func (s Span) End() int { return s.Offset + s.Length }

// Header holds value spans for the fields the engine needs from one message.
type Header struct {
	BodyLength       Span
	MsgType          Span
	MsgSeqNum        Span
	PossDup          Span
	SendingTime      Span
	SenderCompID     Span
	SenderSubID      Span
	SenderLocationID Span
	TargetCompID     Span
	TargetSubID      Span
	TargetLocationID Span
	HeartBtInt       Span
	Username         Span
	Password         Span
	BeginSeqNo       Span
	EndSeqNo         Span
	CheckSum         Span
	// Length is the message length through the trailer separator.
	Length int
}

// Scan walks msg once and records the spans the engine needs. The walk stops
// after the checksum field; trailing bytes are ignored.
func Scan(msg []byte) (Header, error) {
	h := Header{
		BodyLength:       NoEntry,
		MsgType:          NoEntry,
		MsgSeqNum:        NoEntry,
		PossDup:          NoEntry,
		SendingTime:      NoEntry,
		SenderCompID:     NoEntry,
		SenderSubID:      NoEntry,
		SenderLocationID: NoEntry,
		TargetCompID:     NoEntry,
		TargetSubID:      NoEntry,
		TargetLocationID: NoEntry,
		HeartBtInt:       NoEntry,
		Username:         NoEntry,
		Password:         NoEntry,
		BeginSeqNo:       NoEntry,
		EndSeqNo:         NoEntry,
		CheckSum:         NoEntry,
	}
	i := 0
	for i < len(msg) {
		tag := 0
		start := i
		for i < len(msg) && msg[i] != '=' {
			c := msg[i]
			if c < '0' || c > '9' {
				return h, fmt.Errorf("%w: bad tag at offset %d", ErrMalformed, start)
			}
			tag = tag*10 + int(c-'0')
			i++
		}
		if i == start || i >= len(msg) {
			return h, fmt.Errorf("%w: truncated tag at offset %d", ErrMalformed, start)
		}
		i++
		valueStart := i
		for i < len(msg) && msg[i] != SOH {
			i++
		}
		if i >= len(msg) {
			return h, fmt.Errorf("%w: unterminated value for tag %d", ErrMalformed, tag)
		}
		span := Span{Offset: valueStart, Length: i - valueStart}
		i++

		switch tag {
		case TagBodyLength:
			h.BodyLength = span
		case TagMsgType:
			h.MsgType = span
		case TagMsgSeqNum:
			h.MsgSeqNum = span
		case TagPossDupFlag:
			h.PossDup = span
		case TagSendingTime:
			h.SendingTime = span
		case TagSenderCompID:
			h.SenderCompID = span
		case TagSenderSubID:
			h.SenderSubID = span
		case TagSenderLocationID:
			h.SenderLocationID = span
		case TagTargetCompID:
			h.TargetCompID = span
		case TagTargetSubID:
			h.TargetSubID = span
		case TagTargetLocationID:
			h.TargetLocationID = span
		case TagHeartBtInt:
			h.HeartBtInt = span
		case TagUsername:
			h.Username = span
		case TagPassword:
			h.Password = span
		case TagBeginSeqNo:
			h.BeginSeqNo = span
		case TagEndSeqNo:
			h.EndSeqNo = span
		case TagCheckSum:
			h.CheckSum = span
			h.Length = i
			return h, nil
		}
	}
	return h, ErrMissingChecksum
}

// BodyLengthValue parses the declared body length.
func (h Header) BodyLengthValue(msg []byte) (int, bool) {
	if !h.BodyLength.Present() {
		return 0, false
	}
	return ParseNatural(msg[h.BodyLength.Offset:h.BodyLength.End()])
}

// Int parses a numeric field, returning def when absent or invalid.
func (h Header) Int(msg []byte, s Span, def int) int {
	if !s.Present() {
		return def
	}
	v, ok := ParseNatural(msg[s.Offset:s.End()])
	if !ok {
		return def
	}
	return v
}

// String copies a field value, returning "" when absent.
func (h Header) String(msg []byte, s Span) string {
	if !s.Present() {
		return ""
	}
	return string(msg[s.Offset:s.End()])
}

// IsMsgType reports whether the message type equals t.
func (h Header) IsMsgType(msg []byte, t string) bool {
	return h.String(msg, h.MsgType) == t
}

// FrameLength returns the length of the first complete message in b, or 0
// when b does not yet hold one. Used to cut messages off a byte stream.
func FrameLength(b []byte) (int, error) {
	// 8=...<SOH>9=NNN<SOH>
	first := indexByte(b, 0, SOH)
	if first < 0 {
		return 0, nil
	}
	if len(b) < 2 || b[0] != '8' || b[1] != '=' {
		return 0, fmt.Errorf("%w: stream does not start with BeginString", ErrMalformed)
	}
	second := indexByte(b, first+1, SOH)
	if second < 0 {
		return 0, nil
	}
	field := b[first+1 : second]
	if len(field) < 3 || field[0] != '9' || field[1] != '=' {
		return 0, fmt.Errorf("%w: BodyLength must be the second field", ErrMalformed)
	}
	bodyLength, ok := ParseNatural(field[2:])
	if !ok {
		return 0, fmt.Errorf("%w: invalid BodyLength", ErrMalformed)
	}
	total := second + 1 + bodyLength + TrailerLength
	if len(b) < total {
		return 0, nil
	}
	return total, nil
}

func indexByte(b []byte, from int, c byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
