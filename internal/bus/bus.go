package bus

const (
	BackPressured   int64 = -2
	Closed          int64 = -4
	PayloadTooLarge int64 = -5
)

// Fragment flags.
const (
	FlagBegin         uint8 = 0x80
	FlagEnd           uint8 = 0x40
	FlagsUnfragmented       = FlagBegin | FlagEnd
)

// HeaderLength is the per-entry position overhead.
const HeaderLength = 32

// Action is a fragment handler's verdict.
type Action int

const (
	Continue Action = iota
	Abort
)

func (a Action) String() string {
	if a == Abort {
		return "abort"
	}
	return "continue"
}

// Header describes one delivered fragment. Position is the stream position
// just after the fragment.
type Header struct {
	StreamID    int32
	PublisherID int32
	Position    int64
	Flags       uint8
}

// FragmentHandler consumes one fragment. buf is only valid for the call.
type FragmentHandler func(buf []byte, h Header) Action

type Publication interface {
	Offer(buf []byte) int64
	TryClaim(length int, claim *BufferClaim) int64
	PublisherID() int32
	Position() int64
	MaxPayloadLength() int
}

type Subscription interface {
	ControlledPoll(handler FragmentHandler, fragmentLimit int) int
	PositionOf(publisherID int32) int64
}

// IsBackPressured reports whether a publish result was rejected.
func IsBackPressured(position int64) bool {
	return position < 0
}
