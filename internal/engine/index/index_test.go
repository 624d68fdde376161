package index

import (
	"strconv"
	"testing"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func fixRecord(t *testing.T, sessionID int64, seq int) protocol.FixMessage {
	t.Helper()
	return protocol.FixMessage{
		LibraryID: 1,
		SessionID: sessionID,
		MsgType:   "D",
		Body: fix.Build("FIX.4.4",
			fix.Field{Tag: fix.TagMsgType, Value: "D"},
			fix.Field{Tag: fix.TagMsgSeqNum, Value: strconv.Itoa(seq)},
			fix.Field{Tag: fix.TagSendingTime, Value: "20240101-10:00:00.000"},
		),
	}
}

func newIndexer(t *testing.T) (*Indexer, *protocol.GatewayPublication, *observability.ErrorRecorder) {
	b := bus.New(64, 4096)
	sub := b.Subscribe(1)
	pub := protocol.NewGatewayPublication(b.Publication(1))
	faults := &observability.ErrorRecorder{}
	return NewIndexer("sent", sub, NewStore(), 10, faults, nil, testlog.Logger(t)), pub, faults
}

func TestIndexerTracksHighestSequence(t *testing.T) {
	testlog.Start(t)
	ix, pub, faults := newIndexer(t)
	store := ix.Store()
	require.True(t, store.IsEmpty())
	require.Equal(t, Unknown, store.LastKnownSequenceNumber(4))

	pub.Save(fixRecord(t, 4, 1))
	pub.Save(fixRecord(t, 4, 3))
	last := pub.Save(fixRecord(t, 4, 2))
	require.False(t, store.AwaitingIndexingUpTo(pub.PublisherID(), last))

	require.Equal(t, 3, ix.Poll())
	require.Equal(t, int32(3), store.LastKnownSequenceNumber(4))
	require.True(t, store.AwaitingIndexingUpTo(pub.PublisherID(), last))
	require.Equal(t, last, store.IndexedPosition(pub.PublisherID()))
	require.Zero(t, faults.Len())
}

func TestIndexerAppliesResets(t *testing.T) {
	testlog.Start(t)
	ix, pub, _ := newIndexer(t)
	store := ix.Store()
	pub.Save(fixRecord(t, 4, 5))
	pub.Save(fixRecord(t, 6, 9))
	pub.Save(protocol.ResetSequenceNumber{SessionID: 4})
	ix.Poll()
	require.Equal(t, int32(0), store.LastKnownSequenceNumber(4))
	require.Equal(t, int32(9), store.LastKnownSequenceNumber(6))

	pub.Save(protocol.ResetSessionIds{})
	ix.Poll()
	require.True(t, store.IsEmpty())
	require.Equal(t, Unknown, store.LastKnownSequenceNumber(6))
}

func TestIndexerPositionCoversNonFixRecords(t *testing.T) {
	testlog.Start(t)
	ix, pub, _ := newIndexer(t)
	pos := pub.Save(protocol.LibraryConnect{LibraryID: 1, CorrelationID: 2})
	ix.Poll()
	require.True(t, ix.Store().AwaitingIndexingUpTo(pub.PublisherID(), pos))
	require.True(t, ix.Store().IsEmpty())
}

func TestIndexerReportsMalformedBodies(t *testing.T) {
	testlog.Start(t)
	ix, pub, faults := newIndexer(t)
	pub.Save(protocol.FixMessage{SessionID: 1, MsgType: "D", Body: []byte("garbage")})
	ix.Poll()
	require.Equal(t, 1, faults.Len())
	require.True(t, ix.Store().IsEmpty())
}

func TestApplyRebuildsFromArchivedRecords(t *testing.T) {
	testlog.Start(t)
	ix, _, _ := newIndexer(t)
	rec, err := protocol.Encode(fixRecord(t, 8, 12), 1)
	require.NoError(t, err)
	ix.Apply(rec)
	require.Equal(t, int32(12), ix.Store().LastKnownSequenceNumber(8))
	require.Equal(t, map[int64]int32{8: 12}, ix.Store().Snapshot())
}
