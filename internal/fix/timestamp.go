package fix

import "time"

const utcTimestampLayout = "20060102-15:04:05.000000000"

// MaxTimestampLength is the widest timestamp PutUTCTimestamp renders.
const MaxTimestampLength = len(utcTimestampLayout)

// PutUTCTimestamp renders t into dst, truncated to len(dst) so the existing
// field width (seconds, millis, micros or nanos) is preserved. Bytes beyond
// the widest rendering are left untouched.
func PutUTCTimestamp(dst []byte, t time.Time) int {
	var scratch [MaxTimestampLength]byte
	rendered := t.UTC().AppendFormat(scratch[:0], utcTimestampLayout)
	return copy(dst, rendered)
}

// UTCTimestamp formats t with millisecond precision.
func UTCTimestamp(t time.Time) string {
	var scratch [MaxTimestampLength]byte
	rendered := t.UTC().AppendFormat(scratch[:0], utcTimestampLayout)
	return string(rendered[:21])
}
