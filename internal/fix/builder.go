package fix

import "strconv"

// Field is one tag=value pair for Build.
type Field struct {
	Tag   int
	Value string
}

// Build renders a complete message: BeginString, computed BodyLength, the
// given fields in order, and the checksum trailer.
func Build(beginString string, fields ...Field) []byte {
	body := make([]byte, 0, 128)
	for _, f := range fields {
		body = strconv.AppendInt(body, int64(f.Tag), 10)
		body = append(body, '=')
		body = append(body, f.Value...)
		body = append(body, SOH)
	}

	out := make([]byte, 0, len(body)+32)
	out = append(out, "8="...)
	out = append(out, beginString...)
	out = append(out, SOH)
	out = append(out, "9="...)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	out = append(out, SOH)
	out = append(out, body...)
	return AppendTrailer(out)
}

// AppendTrailer appends "10=NNN<SOH>" computed over msg.
func AppendTrailer(msg []byte) []byte {
	sum := Checksum(msg)
	out := append(msg, "10="...)
	var digits [ChecksumValueLength]byte
	_ = PutNatural(digits[:], ChecksumValueLength, sum)
	out = append(out, digits[:]...)
	return append(out, SOH)
}
