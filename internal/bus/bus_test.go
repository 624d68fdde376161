package bus

import (
	"bytes"
	"testing"

	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func collect(out *[][]byte, headers *[]Header) FragmentHandler {
	return func(buf []byte, h Header) Action {
		*out = append(*out, append([]byte(nil), buf...))
		if headers != nil {
			*headers = append(*headers, h)
		}
		return Continue
	}
}

func TestOfferAndPollDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	b := New(16, 64)
	sub := b.Subscribe(1)
	pub := b.Publication(1)

	p1 := pub.Offer([]byte("one"))
	p2 := pub.Offer([]byte("two"))
	require.Greater(t, p1, int64(0))
	require.Greater(t, p2, p1)

	var got [][]byte
	var headers []Header
	require.Equal(t, 2, sub.ControlledPoll(collect(&got, &headers), 10))
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)
	require.Equal(t, pub.PublisherID(), headers[0].PublisherID)
	require.Equal(t, p2, sub.PositionOf(pub.PublisherID()))
	require.Equal(t, p2, sub.Position())
}

func TestAbortRedeliversFragment(t *testing.T) {
	testlog.Start(t)
	b := New(16, 64)
	sub := b.Subscribe(1)
	pub := b.Publication(1)
	pub.Offer([]byte("a"))
	pub.Offer([]byte("b"))

	calls := 0
	n := sub.ControlledPoll(func(buf []byte, h Header) Action {
		calls++
		if string(buf) == "b" {
			return Abort
		}
		return Continue
	}, 10)
	require.Equal(t, 1, n)
	require.Equal(t, 2, calls)

	var got [][]byte
	require.Equal(t, 1, sub.ControlledPoll(collect(&got, nil), 10))
	require.Equal(t, "b", string(got[0]))
}

func TestBackPressureWhenSubscriberLags(t *testing.T) {
	testlog.Start(t)
	b := New(2, 64)
	sub := b.Subscribe(1)
	pub := b.Publication(1)
	require.False(t, IsBackPressured(pub.Offer([]byte("1"))))
	require.False(t, IsBackPressured(pub.Offer([]byte("2"))))
	require.Equal(t, BackPressured, pub.Offer([]byte("3")))

	var got [][]byte
	sub.ControlledPoll(collect(&got, nil), 1)
	require.False(t, IsBackPressured(pub.Offer([]byte("3"))))
}

func TestClaimBlocksReadersUntilCommit(t *testing.T) {
	testlog.Start(t)
	b := New(16, 64)
	sub := b.Subscribe(1)
	pub := b.Publication(1)

	var claim BufferClaim
	require.Greater(t, pub.TryClaim(4, &claim), int64(0))
	copy(claim.Buffer(), "wxyz")
	pub.Offer([]byte("after"))

	var got [][]byte
	require.Equal(t, 0, sub.ControlledPoll(collect(&got, nil), 10))
	claim.Commit()
	require.Equal(t, 2, sub.ControlledPoll(collect(&got, nil), 10))
	require.Equal(t, "wxyz", string(got[0]))
	require.Equal(t, "after", string(got[1]))
}

func TestAbortedClaimIsSkipped(t *testing.T) {
	testlog.Start(t)
	b := New(16, 64)
	sub := b.Subscribe(1)
	pub := b.Publication(1)

	var claim BufferClaim
	pub.TryClaim(4, &claim)
	claim.Abort()
	pub.Offer([]byte("next"))

	var got [][]byte
	require.Equal(t, 1, sub.ControlledPoll(collect(&got, nil), 10))
	require.Equal(t, "next", string(got[0]))
}

func TestTryClaimRejectsOversize(t *testing.T) {
	testlog.Start(t)
	b := New(16, 8)
	pub := b.Publication(1)
	var claim BufferClaim
	require.Equal(t, PayloadTooLarge, pub.TryClaim(9, &claim))
}

func TestClosedBusRejectsPublications(t *testing.T) {
	testlog.Start(t)
	b := New(16, 8)
	pub := b.Publication(1)
	b.Close()
	require.Equal(t, Closed, pub.Offer([]byte("x")))
}

func TestOfferFragmentsAndAssemblerRebuilds(t *testing.T) {
	testlog.Start(t)
	b := New(16, 4)
	sub := b.Subscribe(1)
	pub := b.Publication(1)

	msg := []byte("0123456789")
	require.False(t, IsBackPressured(pub.Offer(msg)))

	var raw [][]byte
	var headers []Header
	require.Equal(t, 3, sub.ControlledPoll(collect(&raw, &headers), 10))
	require.Equal(t, FlagBegin, headers[0].Flags)
	require.Equal(t, uint8(0), headers[1].Flags)
	require.Equal(t, FlagEnd, headers[2].Flags)

	sub2 := b.Subscribe(1)
	pub.Offer(msg)
	var whole [][]byte
	assembler := NewAssembler(collect(&whole, nil))
	sub2.ControlledPoll(assembler.OnFragment, 10)
	require.Len(t, whole, 1)
	require.True(t, bytes.Equal(msg, whole[0]))
}

func TestAssemblerAbortKeepsPartialRun(t *testing.T) {
	testlog.Start(t)
	b := New(16, 4)
	sub := b.Subscribe(1)
	pub := b.Publication(1)
	msg := []byte("abcdefghij")
	pub.Offer(msg)

	aborts := 1
	var whole [][]byte
	assembler := NewAssembler(func(buf []byte, h Header) Action {
		if aborts > 0 {
			aborts--
			return Abort
		}
		whole = append(whole, append([]byte(nil), buf...))
		return Continue
	})
	sub.ControlledPoll(assembler.OnFragment, 10)
	require.Empty(t, whole)
	sub.ControlledPoll(assembler.OnFragment, 10)
	require.Len(t, whole, 1)
	require.Equal(t, msg, whole[0])
}
