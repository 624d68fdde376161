package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/protocol/frame"
	"github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeepsNegativeSequenceNumbers(t *testing.T) {
	testlog.Start(t)
	in := ManageConnection{
		ConnectionID:       77,
		SessionID:          3,
		Address:            "127.0.0.1:9999",
		LibraryID:          5,
		Type:               Initiator,
		LastSentSeqNum:     UnknownSequence,
		LastReceivedSeqNum: 12,
		State:              SessionConnected,
		HeartbeatIntervalS: 10,
		CorrelationID:      99,
	}
	rec, err := Encode(in, 1)
	require.NoError(t, err)
	out, err := Decode(rec)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestControlNotificationSessionList(t *testing.T) {
	testlog.Start(t)
	in := ControlNotification{LibraryID: 2, SessionIDs: []int64{1, 7, 42}}
	rec, err := Encode(in, 1)
	require.NoError(t, err)
	out, err := Decode(rec)
	require.NoError(t, err)
	require.Equal(t, in, out)

	empty, err := Encode(ControlNotification{LibraryID: 2}, 2)
	require.NoError(t, err)
	out, err = Decode(empty)
	require.NoError(t, err)
	require.Empty(t, out.(ControlNotification).SessionIDs)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	testlog.Start(t)
	rec, err := frame.Append(nil, frame.Frame{Header: frame.Header{MessageType: 999}}, frame.DefaultLimits())
	require.NoError(t, err)
	_, err = Decode(rec)
	require.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestDecodeRejectsMissingField(t *testing.T) {
	testlog.Start(t)
	rec, err := frame.Append(nil, frame.Frame{Header: frame.Header{MessageType: schema.MsgRequestSession}}, frame.DefaultLimits())
	require.NoError(t, err)
	_, err = Decode(rec)
	var ve schema.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, schema.FieldLibraryID, ve.FieldID)
}

func TestErrorRepliesAreFlagged(t *testing.T) {
	testlog.Start(t)
	rec, err := Encode(Error{Kind: DuplicateSession, LibraryID: 1, ReplyToID: 4, Message: "dup"}, 1)
	require.NoError(t, err)
	f, err := frame.Parse(rec, frame.DefaultLimits())
	require.NoError(t, err)
	require.NotZero(t, f.Header.Flags&frame.FlagIsError)
	require.Equal(t, "DUPLICATE_SESSION", DuplicateSession.String())
}

func TestFixBodyPatchInPlace(t *testing.T) {
	testlog.Start(t)
	in := FixMessage{
		LibraryID:    3,
		ConnectionID: 8,
		SessionID:    21,
		MsgType:      "D",
		Timestamp:    1234,
		Status:       StatusOK,
		Body:         []byte("8=FIX.4.4\x019=5\x0135=D\x0110=000\x01"),
	}
	rec, err := Encode(in, 1)
	require.NoError(t, err)

	body, err := LocateFixBody(rec)
	require.NoError(t, err)
	require.Equal(t, in.Body, rec[body.Offset:body.End()])
	require.Equal(t, len(rec), body.End())

	rec = append(rec, "XY"...)
	SetFixBodyLength(rec, body, body.Length+2)
	require.NoError(t, PutLibraryID(rec, 9))
	require.NoError(t, PutMessageStatus(rec, StatusCatchupReplay))

	out, err := Decode(rec)
	require.NoError(t, err)
	fm := out.(FixMessage)
	require.Equal(t, int32(9), fm.LibraryID)
	require.Equal(t, StatusCatchupReplay, fm.Status)
	require.Equal(t, append(append([]byte{}, in.Body...), "XY"...), fm.Body)

	sid, err := FixMessageSessionID(rec)
	require.NoError(t, err)
	require.Equal(t, int64(21), sid)
}

func TestLocateFixBodyRejectsOtherRecords(t *testing.T) {
	testlog.Start(t)
	rec, err := Encode(LibraryConnect{LibraryID: 1, CorrelationID: 2}, 1)
	require.NoError(t, err)
	_, err = LocateFixBody(rec)
	require.True(t, errors.Is(err, ErrNotFixMessage))
}

func TestGatewayPublicationSave(t *testing.T) {
	testlog.Start(t)
	b := bus.New(4, 1024)
	sub := b.Subscribe(1)
	pub := NewGatewayPublication(b.Publication(1))
	require.Greater(t, pub.Save(ApplicationHeartbeat{LibraryID: 4}), int64(0))

	var got []Message
	sub.ControlledPoll(func(buf []byte, h bus.Header) bus.Action {
		m, err := Decode(buf)
		require.NoError(t, err)
		got = append(got, m)
		return bus.Continue
	}, 10)
	require.Equal(t, []Message{ApplicationHeartbeat{LibraryID: 4}}, got)
}
