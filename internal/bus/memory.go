package bus

import (
	"sync"
)

type entryState uint8

const (
	statePending entryState = iota
	stateCommitted
	stateAborted
)

type entry struct {
	publisherID int32
	position    int64
	flags       uint8
	state       entryState
	data        []byte
}

type stream struct {
	id int32

	mu       sync.Mutex
	entries  []*entry
	first    int64
	position int64
	subs     []*MemorySubscription
	closed   bool
}

// Bus is an in-process set of bounded streams.
type Bus struct {
	capacity   int
	maxPayload int

	mu            sync.Mutex
	streams       map[int32]*stream
	nextPublisher int32
}

func New(capacity, maxPayloadLength int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxPayloadLength <= 0 {
		maxPayloadLength = 4096
	}
	return &Bus{
		capacity:   capacity,
		maxPayload: maxPayloadLength,
		streams:    make(map[int32]*stream),
	}
}

func (b *Bus) MaxPayloadLength() int {
	return b.maxPayload
}

func (b *Bus) stream(id int32) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[id]
	if !ok {
		s = &stream{id: id}
		b.streams[id] = s
	}
	return s
}

// Publication returns a new publisher on streamID with its own publisher id.
func (b *Bus) Publication(streamID int32) *MemoryPublication {
	s := b.stream(streamID)
	b.mu.Lock()
	b.nextPublisher++
	id := b.nextPublisher
	b.mu.Unlock()
	return &MemoryPublication{bus: b, s: s, publisherID: id}
}

// Subscribe returns a subscription that starts at the current stream tail.
func (b *Bus) Subscribe(streamID int32) *MemorySubscription {
	s := b.stream(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &MemorySubscription{
		s:         s,
		cursor:    s.first + int64(len(s.entries)),
		positions: make(map[int32]int64),
	}
	s.subs = append(s.subs, sub)
	return sub
}

// Close rejects further publications on every stream.
func (b *Bus) Close() {
	b.mu.Lock()
	streams := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()
	for _, s := range streams {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
}

// trim drops entries every subscriber has consumed. Caller holds s.mu.
func (s *stream) trim() {
	minCursor := s.first + int64(len(s.entries))
	for _, sub := range s.subs {
		if sub.cursor < minCursor {
			minCursor = sub.cursor
		}
	}
	drop := int(minCursor - s.first)
	if drop <= 0 {
		return
	}
	for i := 0; i < drop; i++ {
		s.entries[i] = nil
	}
	s.entries = s.entries[drop:]
	s.first = minCursor
}

// appendEntry reserves the next slot. Caller holds s.mu.
func (s *stream) appendEntry(publisherID int32, flags uint8, data []byte, state entryState) *entry {
	s.position += int64(HeaderLength + len(data))
	e := &entry{
		publisherID: publisherID,
		position:    s.position,
		flags:       flags,
		state:       state,
		data:        data,
	}
	s.entries = append(s.entries, e)
	return e
}

// MemoryPublication publishes onto one stream of a Bus.
type MemoryPublication struct {
	bus         *Bus
	s           *stream
	publisherID int32
}

func (p *MemoryPublication) PublisherID() int32 { return p.publisherID }

func (p *MemoryPublication) MaxPayloadLength() int { return p.bus.maxPayload }

func (p *MemoryPublication) StreamID() int32 { return p.s.id }

func (p *MemoryPublication) Position() int64 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.position
}

// Offer copies buf into the stream, splitting it into BEGIN/END fragments
// when it exceeds the maximum payload. All fragments are accepted or none.
func (p *MemoryPublication) Offer(buf []byte) int64 {
	maxLen := p.bus.maxPayload
	fragments := 1
	if len(buf) > maxLen {
		fragments = (len(buf) + maxLen - 1) / maxLen
	}

	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Closed
	}
	s.trim()
	if len(s.entries)+fragments > p.bus.capacity {
		return BackPressured
	}

	if fragments == 1 {
		data := make([]byte, len(buf))
		copy(data, buf)
		return s.appendEntry(p.publisherID, FlagsUnfragmented, data, stateCommitted).position
	}

	var position int64
	for i, off := 0, 0; i < fragments; i++ {
		end := off + maxLen
		if end > len(buf) {
			end = len(buf)
		}
		var flags uint8
		switch i {
		case 0:
			flags = FlagBegin
		case fragments - 1:
			flags = FlagEnd
		}
		data := make([]byte, end-off)
		copy(data, buf[off:end])
		position = s.appendEntry(p.publisherID, flags, data, stateCommitted).position
		off = end
	}
	return position
}

// TryClaim reserves length bytes. Readers stop in front of the claim until it
// is committed or aborted.
func (p *MemoryPublication) TryClaim(length int, claim *BufferClaim) int64 {
	if length > p.bus.maxPayload {
		return PayloadTooLarge
	}
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Closed
	}
	s.trim()
	if len(s.entries)+1 > p.bus.capacity {
		return BackPressured
	}
	e := s.appendEntry(p.publisherID, FlagsUnfragmented, make([]byte, length), statePending)
	claim.e = e
	claim.s = s
	claim.closed = false
	return e.position
}

// MemorySubscription reads one stream with an independent cursor. A single
// goroutine polls a given subscription.
type MemorySubscription struct {
	s *stream

	// guarded by s.mu
	cursor    int64
	position  int64
	positions map[int32]int64
	batch     []*entry
}

func (m *MemorySubscription) ControlledPoll(handler FragmentHandler, fragmentLimit int) int {
	s := m.s
	s.mu.Lock()
	batch := m.batch[:0]
	next := m.cursor
	for idx := int(next - s.first); idx < len(s.entries) && len(batch) < fragmentLimit; idx++ {
		e := s.entries[idx]
		if e.state == statePending {
			break
		}
		batch = append(batch, e)
	}
	m.batch = batch
	s.mu.Unlock()

	read := 0
	consumed := 0
	for _, e := range batch {
		if e.state == stateAborted {
			consumed++
			continue
		}
		action := handler(e.data, Header{
			StreamID:    s.id,
			PublisherID: e.publisherID,
			Position:    e.position,
			Flags:       e.flags,
		})
		if action == Abort {
			break
		}
		consumed++
		read++
	}

	if consumed > 0 {
		s.mu.Lock()
		for _, e := range batch[:consumed] {
			m.positions[e.publisherID] = e.position
			m.position = e.position
		}
		m.cursor += int64(consumed)
		s.mu.Unlock()
	}
	for i := range batch {
		batch[i] = nil
	}
	return read
}

// PositionOf returns the position after the last consumed fragment from
// publisherID, or 0 if none has been consumed.
func (m *MemorySubscription) PositionOf(publisherID int32) int64 {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.positions[publisherID]
}

// Position is the stream position of the last consumed entry.
func (m *MemorySubscription) Position() int64 {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.position
}
