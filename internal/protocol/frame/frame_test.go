package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/fixgate/internal/protocol/tlv"
	"github.com/danmuck/fixgate/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "session-1")})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 1},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageType != in.Header.MessageType || out.Header.MessageID != in.Header.MessageID {
		t.Fatalf("header mismatch: got=%+v want=%+v", out.Header, in.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestParseAliasesRecord(t *testing.T) {
	testlog.Start(t)
	rec, err := Append(nil, Frame{Header: Header{MessageType: 7}, Payload: []byte("abc")}, DefaultLimits())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := Parse(rec, DefaultLimits())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(f.Payload) != "abc" {
		t.Fatalf("payload: %q", f.Payload)
	}
	mt, ok := PeekMessageType(rec)
	if !ok || mt != 7 {
		t.Fatalf("peek: %d %v", mt, ok)
	}

	rec = append(rec, "de"...)
	PutPayloadLen(rec, 5)
	f, err = Parse(rec, DefaultLimits())
	if err != nil || string(f.Payload) != "abcde" {
		t.Fatalf("patched parse: %q %v", f.Payload, err)
	}
}

func TestParseRejectsTruncatedAndForeignRecords(t *testing.T) {
	testlog.Start(t)
	if _, err := Parse([]byte{1, 2, 3}, DefaultLimits()); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	foreign := EncodeHeader(Header{Magic: 1, HeaderLen: FixedHeaderLen})
	if _, err := Parse(foreign, DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	short := EncodeHeader(Header{Magic: Magic, HeaderLen: FixedHeaderLen, PayloadLen: 10})
	if _, err := Parse(short, DefaultLimits()); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: 1, HeaderLen: 8, MessageID: 1, MessageType: 1}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}
