package framer

import (
	"fmt"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/engine/possdup"
	"github.com/danmuck/fixgate/internal/engine/work"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
)

// CatchupReplayer streams a session's archived inbound messages with
// sequence numbers in (replayFrom, lastReceived] to the library that
// requested it, then answers the request. Its cursor only moves forward.
type CatchupReplayer struct {
	query         archive.ReplayQuery
	streamID      int32
	inbound       *protocol.GatewayPublication
	enabler       *possdup.Enabler
	errs          observability.ErrorHandler
	debug         *logging.DebugLogger
	correlationID int64
	libraryID     int32
	sessionID     int64
	expected      int32
	nextSeq       int32
	endSeq        int32
	replayed      int32
	replaying     bool
}

func newCatchupReplayer(
	query archive.ReplayQuery,
	streamID int32,
	inbound *protocol.GatewayPublication,
	errs observability.ErrorHandler,
	clock func() time.Time,
	debug *logging.DebugLogger,
	correlationID int64,
	libraryID int32,
	session *GatewaySession,
	expected, replayFrom, lastReceived int32,
) *CatchupReplayer {
	c := &CatchupReplayer{
		query:         query,
		streamID:      streamID,
		inbound:       inbound,
		errs:          errs,
		debug:         debug,
		correlationID: correlationID,
		libraryID:     libraryID,
		sessionID:     session.sessionID,
		expected:      expected,
		nextSeq:       replayFrom + 1,
		endSeq:        lastReceived,
	}
	c.enabler = possdup.New(inbound.Publication(), c.preCommit, errs, clock, debug)
	return c
}

func (c *CatchupReplayer) preCommit(record []byte) error {
	if err := protocol.PutLibraryID(record, c.libraryID); err != nil {
		return err
	}
	return protocol.PutMessageStatus(record, protocol.StatusCatchupReplay)
}

func (c *CatchupReplayer) Attempt() work.Result {
	if !c.replaying {
		c.replaying = true
		c.debug.Log(logging.TagCatchup, "Catchup %d: session %d seq %d..%d for library %d",
			c.correlationID, c.sessionID, c.nextSeq, c.endSeq, c.libraryID)
	}
	if c.nextSeq <= c.endSeq && c.query != nil {
		blocked := false
		c.query.Query(c.streamID, c.sessionID, c.nextSeq, c.endSeq, func(seq int32, record []byte) bool {
			if c.enabler.Enable(record).IsRetry() {
				blocked = true
				return false
			}
			c.nextSeq = seq + 1
			c.replayed++
			observability.RecordCatchupMessage()
			return true
		})
		if blocked {
			return work.Retry
		}
		c.nextSeq = c.endSeq + 1
	}
	return c.reply()
}

func (c *CatchupReplayer) reply() work.Result {
	if c.replayed >= c.expected {
		return sendOk(c.inbound, c.correlationID, c.libraryID)
	}
	pos := c.inbound.Save(protocol.RequestSessionReply{
		LibraryID:     c.libraryID,
		Status:        protocol.ReplyMissingMessages,
		CorrelationID: c.correlationID,
	})
	if bus.IsBackPressured(pos) {
		return work.Retry
	}
	c.errs.OnError(fmt.Errorf(
		"catchup %d: session %d replayed %d of %d expected messages",
		c.correlationID, c.sessionID, c.replayed, c.expected,
	))
	return work.Done
}

// sendOk answers a RequestSession that needs no replay.
func sendOk(inbound *protocol.GatewayPublication, correlationID int64, libraryID int32) work.Result {
	return work.FromPosition(inbound.Save(protocol.RequestSessionReply{
		LibraryID:     libraryID,
		Status:        protocol.ReplyOK,
		CorrelationID: correlationID,
	}))
}
