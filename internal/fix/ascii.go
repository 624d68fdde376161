package fix

import "errors"

// SOH separates fields.
const SOH byte = 0x01

// Tags the gateway inspects.
const (
	TagBeginSeqNo       = 7
	TagBeginString      = 8
	TagBodyLength       = 9
	TagCheckSum         = 10
	TagEndSeqNo         = 16
	TagMsgSeqNum        = 34
	TagMsgType          = 35
	TagPossDupFlag      = 43
	TagSenderCompID     = 49
	TagSenderSubID      = 50
	TagSendingTime      = 52
	TagTargetCompID     = 56
	TagTargetSubID      = 57
	TagHeartBtInt       = 108
	TagOrigSendingTime  = 122
	TagSenderLocationID = 142
	TagTargetLocationID = 143
	TagUsername         = 553
	TagPassword         = 554
)

// Message types the gateway reacts to.
const (
	MsgTypeLogon         = "A"
	MsgTypeResendRequest = "2"
	MsgTypeHeartbeat     = "0"
	MsgTypeLogout        = "5"
)

// ChecksumValueLength is the fixed width of the checksum value.
const ChecksumValueLength = 3

// TrailerLength is the byte count of "10=NNN<SOH>".
const TrailerLength = 3 + ChecksumValueLength + 1

var ErrNaturalOverflow = errors.New("fix: natural does not fit width")

// Checksum returns the modulo-256 sum of b.
func Checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum & 0xff
}

// LengthInASCII returns the decimal digit count of a non-negative value.
func LengthInASCII(v int) int {
	if v < 0 {
		return LengthInASCII(-v) + 1
	}
	n := 1
	for v >= 10 {
		v /= 10
		n++
	}
	return n
}

// PutNatural writes v into dst[:width] as zero-padded decimal digits.
func PutNatural(dst []byte, width int, v int) error {
	if v < 0 || width > len(dst) || LengthInASCII(v) > width {
		return ErrNaturalOverflow
	}
	for i := width - 1; i >= 0; i-- {
		dst[i] = byte('0' + v%10)
		v /= 10
	}
	return nil
}

// ParseNatural parses unsigned decimal digits.
func ParseNatural(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	return v, true
}
