// Package possdup rewrites archived FixMessage records for retransmission:
// the message is flagged as a possible duplicate, its original sending time
// is preserved in tag 122, and body length and checksum are recomputed.
package possdup

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/work"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
)

var (
	ErrMissingSendingTime = errors.New("possdup: missing sending time field in resent message")
	ErrMalformedTrailer   = errors.New("possdup: message does not end with a checksum trailer")
	ErrPublicationClosed  = errors.New("possdup: publication closed")
)

var (
	possDupField           = []byte("43=Y\x01")
	origSendingTimePrefix  = []byte("122=")
	addedFieldsFixedLength = len(possDupField) + len(origSendingTimePrefix) + 1
)

// PreCommit patches envelope fields of the rewritten record just before it
// becomes visible. Returning an error aborts the publish.
type PreCommit func(record []byte) error

// Enabler publishes rewritten records onto one publication. It is not safe
// for concurrent use; its scratch buffer is reused across calls.
type Enabler struct {
	pub        bus.Publication
	claim      bus.BufferClaim
	preCommit  PreCommit
	errs       observability.ErrorHandler
	clock      func() time.Time
	maxPayload int
	debug      *logging.DebugLogger

	scratch     []byte
	fragmentLen int
	fragmentOff int
}

func New(
	pub bus.Publication,
	preCommit PreCommit,
	errs observability.ErrorHandler,
	clock func() time.Time,
	debug *logging.DebugLogger,
) *Enabler {
	if clock == nil {
		clock = time.Now
	}
	return &Enabler{
		pub:        pub,
		preCommit:  preCommit,
		errs:       errs,
		clock:      clock,
		maxPayload: pub.MaxPayloadLength(),
		debug:      debug,
	}
}

// Pending reports whether a fragmented rewrite is still being emitted.
func (e *Enabler) Pending() bool { return e.fragmentLen > 0 }

// Enable rewrites and publishes one FixMessage record. Retry means the
// publication pushed back; call again with the same record. A fragmented
// rewrite that was interrupted resumes from the blocked fragment without
// rewriting again. Malformed records go to the fault sink and return Done.
func (e *Enabler) Enable(record []byte) work.Result {
	if e.Pending() {
		return e.emitFragments()
	}

	body, err := protocol.LocateFixBody(record)
	if err != nil {
		e.errs.OnError(err)
		return work.Done
	}
	srcLen := body.End()
	msg := record[body.Offset:srcLen]
	h, err := fix.Scan(msg)
	if err != nil {
		e.errs.OnError(err)
		return work.Done
	}
	if h.Length != len(msg) || h.CheckSum.Length != fix.ChecksumValueLength {
		e.errs.OnError(ErrMalformedTrailer)
		return work.Done
	}
	if !h.SendingTime.Present() {
		e.errs.OnError(fmt.Errorf("%w: %q", ErrMissingSendingTime, h.String(msg, h.MsgSeqNum)))
		return work.Done
	}

	if h.PossDup.Present() {
		return e.refreshDuplicate(record[:srcLen], body, h)
	}
	return e.addFields(record[:srcLen], body, h)
}

func (e *Enabler) addFields(src []byte, body protocol.FixBody, h fix.Header) work.Result {
	msg := src[body.Offset:]
	bodyLength, ok := h.BodyLengthValue(msg)
	if !ok {
		e.errs.OnError(fmt.Errorf("%w: body length", fix.ErrMalformed))
		return work.Done
	}
	sendingTime := h.SendingTime
	added := addedFieldsFixedLength + sendingTime.Length
	newBodyLength := bodyLength + added
	oldWidth := h.BodyLength.Length
	newWidth := fix.LengthInASCII(newBodyLength)
	widthDelta := max(0, newWidth-oldWidth)
	newLength := len(src) + added + widthDelta

	dst, r := e.reserve(newLength)
	if dst == nil {
		return r
	}

	// Everything through the sending time separator, then 43 and 122.
	sendingTimeEnd := body.Offset + sendingTime.End() + 1
	n := copy(dst, src[:sendingTimeEnd])
	n += copy(dst[n:], possDupField)
	n += copy(dst[n:], origSendingTimePrefix)
	n += copy(dst[n:], msg[sendingTime.Offset:sendingTime.End()])
	dst[n] = fix.SOH
	n++
	copy(dst[n:], src[sendingTimeEnd:])

	fix.PutUTCTimestamp(dst[body.Offset+sendingTime.Offset:body.Offset+sendingTime.End()], e.clock())
	protocol.SetFixBodyLength(dst, body, body.Length+added+widthDelta)

	bodyLengthOffset := body.Offset + h.BodyLength.Offset
	if widthDelta > 0 {
		copy(dst[bodyLengthOffset+widthDelta:newLength], dst[bodyLengthOffset:newLength-widthDelta])
	}
	if err := fix.PutNatural(dst[bodyLengthOffset:], max(oldWidth, newWidth), newBodyLength); err != nil {
		e.abort(err)
		return work.Done
	}
	if err := putChecksum(dst[body.Offset:newLength]); err != nil {
		e.abort(err)
		return work.Done
	}
	return e.commit(dst, body)
}

func (e *Enabler) refreshDuplicate(src []byte, body protocol.FixBody, h fix.Header) work.Result {
	dst, r := e.reserve(len(src))
	if dst == nil {
		return r
	}
	copy(dst, src)
	dst[body.Offset+h.PossDup.Offset] = 'Y'
	sendingTime := h.SendingTime
	fix.PutUTCTimestamp(dst[body.Offset+sendingTime.Offset:body.Offset+sendingTime.End()], e.clock())
	if err := putChecksum(dst[body.Offset:]); err != nil {
		e.abort(err)
		return work.Done
	}
	return e.commit(dst, body)
}

// putChecksum rewrites the trailer of msg, which must end with "10=NNN<SOH>".
func putChecksum(msg []byte) error {
	trailer := len(msg) - fix.TrailerLength
	sum := fix.Checksum(msg[:trailer])
	value := len(msg) - fix.ChecksumValueLength - 1
	if err := fix.PutNatural(msg[value:], fix.ChecksumValueLength, sum); err != nil {
		return err
	}
	msg[len(msg)-1] = fix.SOH
	return nil
}

// reserve returns the buffer to rewrite into: a bus claim when the result
// fits one frame, otherwise the scratch buffer. A nil buffer comes with the
// result to return.
func (e *Enabler) reserve(length int) ([]byte, work.Result) {
	if length > e.maxPayload {
		e.ensureCapacity(length)
		e.fragmentLen = length
		e.fragmentOff = 0
		return e.scratch[:length], work.Done
	}
	pos := e.pub.TryClaim(length, &e.claim)
	switch {
	case pos == bus.Closed:
		e.errs.OnError(ErrPublicationClosed)
		return nil, work.Done
	case bus.IsBackPressured(pos):
		observability.RecordBackPressure("possdup")
		return nil, work.Retry
	}
	return e.claim.Buffer(), work.Done
}

func (e *Enabler) ensureCapacity(length int) {
	if cap(e.scratch) >= length {
		e.scratch = e.scratch[:cap(e.scratch)]
		return
	}
	grown := max(length, 2*cap(e.scratch))
	e.scratch = make([]byte, grown)
}

func (e *Enabler) fragmented() bool { return e.fragmentLen > 0 }

func (e *Enabler) abort(err error) {
	if e.fragmented() {
		e.fragmentLen = 0
		e.fragmentOff = 0
	} else {
		e.claim.Abort()
	}
	e.errs.OnError(err)
}

func (e *Enabler) commit(dst []byte, body protocol.FixBody) work.Result {
	if e.preCommit != nil {
		if err := e.preCommit(dst); err != nil {
			e.abort(err)
			return work.Done
		}
	}
	e.debug.LogBytes(logging.TagCatchup, "Resending: ", dst[body.Offset:])
	if e.fragmented() {
		return e.emitFragments()
	}
	e.claim.Commit()
	return work.Done
}

// emitFragments publishes the scratch buffer from the first unsent fragment.
func (e *Enabler) emitFragments() work.Result {
	for e.fragmentOff < e.fragmentLen {
		length := min(e.maxPayload, e.fragmentLen-e.fragmentOff)
		pos := e.pub.TryClaim(length, &e.claim)
		switch {
		case pos == bus.Closed:
			e.fragmentLen, e.fragmentOff = 0, 0
			e.errs.OnError(ErrPublicationClosed)
			return work.Done
		case bus.IsBackPressured(pos):
			observability.RecordBackPressure("possdup")
			return work.Retry
		}

		var flags uint8
		switch {
		case e.fragmentOff == 0:
			flags = bus.FlagBegin
		case e.fragmentOff+length == e.fragmentLen:
			flags = bus.FlagEnd
		}
		copy(e.claim.Buffer(), e.scratch[e.fragmentOff:e.fragmentOff+length])
		e.claim.SetFlags(flags)
		e.claim.Commit()
		e.fragmentOff += length
		observability.RecordResendFragments(1)
	}
	e.fragmentLen, e.fragmentOff = 0, 0
	return work.Done
}
