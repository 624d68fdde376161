package replayer

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const (
	inboundStream  int32 = 1
	outboundStream int32 = 2
	replayStream   int32 = 3
)

type fixture struct {
	t         *testing.T
	arch      *archive.Archive
	inbound   *protocol.GatewayPublication
	replaySub *bus.MemorySubscription
	faults    *observability.ErrorRecorder
	replayer  *Replayer
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	logger := testlog.Logger(t)
	arch, err := archive.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arch.Close() })

	b := bus.New(capacity, 4096)
	f := &fixture{
		t:         t,
		arch:      arch,
		inbound:   protocol.NewGatewayPublication(b.Publication(inboundStream)),
		replaySub: b.Subscribe(replayStream),
		faults:    &observability.ErrorRecorder{},
	}
	now := time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC)
	f.replayer = New(
		b.Subscribe(inboundStream),
		arch,
		outboundStream,
		b.Publication(replayStream),
		10,
		func() time.Time { return now },
		f.faults,
		nil,
		logger,
	)
	return f
}

func gatewayMessage(msgType string, seq int, fields ...fix.Field) []byte {
	all := []fix.Field{
		{Tag: fix.TagMsgType, Value: msgType},
		{Tag: fix.TagSenderCompID, Value: "GATEWAY"},
		{Tag: fix.TagTargetCompID, Value: "CLIENT"},
		{Tag: fix.TagMsgSeqNum, Value: strconv.Itoa(seq)},
		{Tag: fix.TagSendingTime, Value: "20240101-10:00:00.000"},
	}
	return fix.Build("FIX.4.4", append(all, fields...)...)
}

// sent archives what a library sent on sessionID.
func (f *fixture) sent(sessionID int64, seqs ...int) {
	f.t.Helper()
	for _, seq := range seqs {
		record, err := protocol.Encode(protocol.FixMessage{
			LibraryID:    3,
			ConnectionID: 11,
			SessionID:    sessionID,
			MsgType:      "8",
			Body:         gatewayMessage("8", seq, fix.Field{Tag: 17, Value: "exec-" + strconv.Itoa(seq)}),
		}, uint64(seq))
		require.NoError(f.t, err)
		require.NoError(f.t, f.arch.Append(outboundStream, record))
	}
}

func (f *fixture) resendRequest(connectionID, sessionID int64, begin, end int) {
	f.t.Helper()
	pos := f.inbound.Save(protocol.FixMessage{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		MsgType:      fix.MsgTypeResendRequest,
		Body: fix.Build("FIX.4.4",
			fix.Field{Tag: fix.TagMsgType, Value: fix.MsgTypeResendRequest},
			fix.Field{Tag: fix.TagSenderCompID, Value: "CLIENT"},
			fix.Field{Tag: fix.TagTargetCompID, Value: "GATEWAY"},
			fix.Field{Tag: fix.TagMsgSeqNum, Value: "9"},
			fix.Field{Tag: fix.TagSendingTime, Value: "20240101-10:00:04.000"},
			fix.Field{Tag: fix.TagBeginSeqNo, Value: strconv.Itoa(begin)},
			fix.Field{Tag: fix.TagEndSeqNo, Value: strconv.Itoa(end)},
		),
	})
	require.False(f.t, bus.IsBackPressured(pos))
}

func (f *fixture) replayed() []protocol.FixMessage {
	var out []protocol.FixMessage
	asm := bus.NewAssembler(func(b []byte, _ bus.Header) bus.Action {
		m, err := protocol.Decode(b)
		require.NoError(f.t, err)
		out = append(out, m.(protocol.FixMessage))
		return bus.Continue
	})
	for f.replaySub.ControlledPoll(asm.OnFragment, 100) > 0 {
	}
	return out
}

func TestResendRequestReplaysRangeToRequestingConnection(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 64)
	f.sent(4, 1, 2, 3, 4)

	f.resendRequest(77, 4, 2, 3)
	f.replayer.Poll()

	got := f.replayed()
	require.Len(t, got, 2)
	for i, m := range got {
		require.Equal(t, int64(77), m.ConnectionID)
		require.Equal(t, int64(4), m.SessionID)
		require.True(t, bytes.Contains(m.Body, []byte("\x0134="+strconv.Itoa(i+2)+"\x01")))
		require.True(t, bytes.Contains(m.Body, []byte("\x0143=Y\x01")))
		require.True(t, bytes.Contains(m.Body, []byte("\x01122=20240101-10:00:00.000\x01")))
		require.True(t, bytes.Contains(m.Body, []byte("\x0152=20240101-10:00:05.000\x01")))
	}
	require.Zero(t, f.faults.Len())
}

func TestResendRequestWithZeroEndReplaysThroughLatest(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 64)
	f.sent(4, 1, 2, 3)
	f.sent(5, 1, 2)

	f.resendRequest(77, 4, 1, 0)
	f.replayer.Poll()

	require.Len(t, f.replayed(), 3)
}

func TestResendRequestSkipsArchiveGaps(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 64)
	f.sent(4, 1, 3)

	f.resendRequest(77, 4, 1, 3)
	f.replayer.Poll()

	require.Len(t, f.replayed(), 2)
}

func TestNonResendTrafficIsIgnored(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 64)
	f.sent(4, 1)

	pos := f.inbound.Save(protocol.FixMessage{
		ConnectionID: 77,
		SessionID:    4,
		MsgType:      "D",
		Body:         gatewayMessage("D", 5),
	})
	require.False(t, bus.IsBackPressured(pos))
	pos = f.inbound.Save(protocol.Disconnect{ConnectionID: 77, Reason: protocol.ReasonRemoteDisconnect})
	require.False(t, bus.IsBackPressured(pos))
	f.replayer.Poll()

	require.Empty(t, f.replayed())
	require.Zero(t, f.faults.Len())
}

func TestCatchupCopiesOfResendRequestsAreIgnored(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 64)
	f.sent(4, 1)

	pos := f.inbound.Save(protocol.FixMessage{
		ConnectionID: 77,
		SessionID:    4,
		MsgType:      fix.MsgTypeResendRequest,
		Status:       protocol.StatusCatchupReplay,
		Body:         gatewayMessage(fix.MsgTypeResendRequest, 1, fix.Field{Tag: fix.TagBeginSeqNo, Value: "1"}, fix.Field{Tag: fix.TagEndSeqNo, Value: "0"}),
	})
	require.False(t, bus.IsBackPressured(pos))
	f.replayer.Poll()

	require.Empty(t, f.replayed())
}

func TestMalformedResendRangeIsReported(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 64)
	f.sent(4, 1)

	f.resendRequest(77, 4, 0, 0)
	f.replayer.Poll()

	require.Empty(t, f.replayed())
	require.Equal(t, 1, f.faults.Len())
}

func TestBackPressuredResendResumesWhereItStopped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 2)
	f.sent(4, 1, 2, 3)

	f.resendRequest(77, 4, 1, 0)
	f.replayer.Poll()
	first := f.replayed()
	require.Len(t, first, 2)
	require.NotNil(t, f.replayer.blocked)

	// a second request waits behind the blocked one
	f.resendRequest(78, 4, 1, 1)

	f.replayer.Poll()
	second := f.replayed()
	require.Len(t, second, 1)
	require.True(t, bytes.Contains(second[0].Body, []byte("\x0134=3\x01")))
	require.Equal(t, int64(77), second[0].ConnectionID)
	require.Nil(t, f.replayer.blocked)

	f.replayer.Poll()
	third := f.replayed()
	require.Len(t, third, 1)
	require.Equal(t, int64(78), third[0].ConnectionID)
	require.True(t, bytes.Contains(third[0].Body, []byte("\x0134=1\x01")))
}
