package fix

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/fixgate/internal/testutil/testlog"
)

func soh(s string) []byte {
	return bytes.ReplaceAll([]byte(s), []byte("|"), []byte{SOH})
}

func TestBuildProducesConsistentLengthAndChecksum(t *testing.T) {
	testlog.Start(t)
	msg := Build("FIX.4.4",
		Field{TagMsgType, "0"},
		Field{TagSenderCompID, "BUY"},
		Field{TagTargetCompID, "SELL"},
		Field{TagMsgSeqNum, "2"},
		Field{TagSendingTime, "20240101-10:00:00.000"},
	)
	h, err := Scan(msg)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	bodyLength, ok := h.BodyLengthValue(msg)
	if !ok {
		t.Fatalf("missing body length")
	}
	bodyStart := h.BodyLength.End() + 1
	checksumTag := h.CheckSum.Offset - 3
	if got := checksumTag - bodyStart; got != bodyLength {
		t.Fatalf("body length mismatch: declared=%d actual=%d", bodyLength, got)
	}
	sum := h.Int(msg, h.CheckSum, -1)
	if sum != Checksum(msg[:checksumTag]) {
		t.Fatalf("checksum mismatch: declared=%d computed=%d", sum, Checksum(msg[:checksumTag]))
	}
	if h.Length != len(msg) {
		t.Fatalf("length: got %d want %d", h.Length, len(msg))
	}
}

func TestScanRecordsSpans(t *testing.T) {
	testlog.Start(t)
	msg := soh("8=FIX.4.4|9=5|35=2|43=N|52=20240101-10:00:00|7=3|16=0|10=000|")
	h, err := Scan(msg)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !h.IsMsgType(msg, MsgTypeResendRequest) {
		t.Fatalf("msg type: %q", h.String(msg, h.MsgType))
	}
	if h.String(msg, h.PossDup) != "N" {
		t.Fatalf("poss dup: %q", h.String(msg, h.PossDup))
	}
	if h.SendingTime.Length != 17 {
		t.Fatalf("sending time length: %d", h.SendingTime.Length)
	}
	if h.Int(msg, h.BeginSeqNo, -1) != 3 || h.Int(msg, h.EndSeqNo, -1) != 0 {
		t.Fatalf("resend range: %d..%d", h.Int(msg, h.BeginSeqNo, -1), h.Int(msg, h.EndSeqNo, -1))
	}
	if h.SenderCompID.Present() {
		t.Fatalf("sender comp id should be absent")
	}
}

func TestScanRejectsMissingTrailer(t *testing.T) {
	testlog.Start(t)
	_, err := Scan(soh("8=FIX.4.4|9=5|35=0|"))
	if !errors.Is(err, ErrMissingChecksum) {
		t.Fatalf("expected ErrMissingChecksum, got %v", err)
	}
	_, err = Scan(soh("8=FIX.4.4|9"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestPutNatural(t *testing.T) {
	testlog.Start(t)
	buf := []byte("xxxx")
	if err := PutNatural(buf, 3, 7); err != nil {
		t.Fatalf("put: %v", err)
	}
	if string(buf) != "007x" {
		t.Fatalf("got %q", buf)
	}
	if err := PutNatural(buf, 2, 100); !errors.Is(err, ErrNaturalOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestLengthInASCII(t *testing.T) {
	testlog.Start(t)
	cases := map[int]int{0: 1, 9: 1, 10: 2, 99: 2, 100: 3, 12345: 5}
	for v, want := range cases {
		if got := LengthInASCII(v); got != want {
			t.Fatalf("LengthInASCII(%d)=%d want %d", v, got, want)
		}
	}
}

func TestPutUTCTimestampKeepsWidth(t *testing.T) {
	testlog.Start(t)
	at := time.Date(2024, 3, 9, 7, 5, 1, 123456789, time.UTC)
	for width, want := range map[int]string{
		17: "20240309-07:05:01",
		21: "20240309-07:05:01.123",
		24: "20240309-07:05:01.123456",
		27: "20240309-07:05:01.123456789",
	} {
		buf := make([]byte, width)
		if n := PutUTCTimestamp(buf, at); n != width {
			t.Fatalf("width %d wrote %d", width, n)
		}
		if string(buf) != want {
			t.Fatalf("width %d: got %q want %q", width, buf, want)
		}
	}
}

func TestFrameLengthCutsStream(t *testing.T) {
	testlog.Start(t)
	one := Build("FIX.4.4", Field{TagMsgType, "0"}, Field{TagMsgSeqNum, "1"})
	two := Build("FIX.4.4", Field{TagMsgType, "0"}, Field{TagMsgSeqNum, "2"})
	stream := append(append([]byte{}, one...), two[:5]...)

	n, err := FrameLength(stream)
	if err != nil || n != len(one) {
		t.Fatalf("first frame: n=%d err=%v", n, err)
	}
	n, err = FrameLength(stream[len(one):])
	if err != nil || n != 0 {
		t.Fatalf("partial frame should wait: n=%d err=%v", n, err)
	}
	if _, err := FrameLength([]byte("xx\x01")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
