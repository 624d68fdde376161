package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// LogTag selects one debug channel.
type LogTag uint8

const (
	TagFixMessage LogTag = iota
	TagCatchup
	TagLibraryConnect
	TagGatewayMessage
	TagIndex
	TagReplay
	tagCount
)

var tagNames = [tagCount]string{
	TagFixMessage:     "fix_message",
	TagCatchup:        "catchup",
	TagLibraryConnect: "library_connect",
	TagGatewayMessage: "gateway_message",
	TagIndex:          "index",
	TagReplay:         "replay",
}

func (t LogTag) String() string {
	if t < tagCount {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// ParseTag resolves a tag by its configured name.
func ParseTag(name string) (LogTag, bool) {
	for i, n := range tagNames {
		if n == name {
			return LogTag(i), true
		}
	}
	return 0, false
}

// DebugLogger writes diagnostic lines for a set of enabled tags.
// Every method is a no-op unless the binary is built with -tags fixgate_debug,
// in which case debugEnabled is true and the bodies survive dead-code
// elimination.
type DebugLogger struct {
	out     zerolog.Logger
	enabled uint32
}

// NewDebugLogger returns a logger for the given tags. A nil *DebugLogger is
// valid and logs nothing.
func NewDebugLogger(out zerolog.Logger, tags ...LogTag) *DebugLogger {
	d := &DebugLogger{out: out}
	for _, t := range tags {
		d.enabled |= 1 << t
	}
	return d
}

// DebugEnabled reports whether debug logging was compiled in.
func DebugEnabled() bool {
	return debugEnabled
}

func (d *DebugLogger) isOn(tag LogTag) bool {
	return d != nil && d.enabled&(1<<tag) != 0
}

func (d *DebugLogger) Log(tag LogTag, format string, args ...any) {
	if !debugEnabled {
		return
	}
	if !d.isOn(tag) {
		return
	}
	d.out.Debug().Str("tag", tag.String()).Msgf(format, args...)
}

// LogBytes prints an ASCII view of b; SOH separators render as '|'.
func (d *DebugLogger) LogBytes(tag LogTag, prefix string, b []byte) {
	if !debugEnabled {
		return
	}
	if !d.isOn(tag) {
		return
	}
	view := make([]byte, len(b))
	for i, c := range b {
		if c == 0x01 {
			c = '|'
		}
		view[i] = c
	}
	d.out.Debug().Str("tag", tag.String()).Msgf("%s%s", prefix, view)
}
