// Package replayer answers counterparty ResendRequests. Archived outbound
// messages in the requested range are flagged as possible duplicates and
// published on the replay stream, which the framer forwards to the
// connection that asked.
package replayer

import (
	"fmt"
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/engine/possdup"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/danmuck/fixgate/internal/protocol/frame"
	"github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/rs/zerolog"
)

// resend is one request being served.
type resend struct {
	connectionID int64
	sessionID    int64
	nextSeq      int32
	endSeq       int32
}

type Replayer struct {
	sub              bus.Subscription
	assembler        *bus.Assembler
	query            archive.ReplayQuery
	outboundStreamID int32
	enabler          *possdup.Enabler
	limit            int
	errs             observability.ErrorHandler
	debug            *logging.DebugLogger
	logger           zerolog.Logger

	// blocked is the request waiting on replay stream back pressure.
	blocked *resend
	current int64
}

// New watches sub for resend requests and answers them from the outbound
// archive onto replay.
func New(
	sub bus.Subscription,
	query archive.ReplayQuery,
	outboundStreamID int32,
	replay bus.Publication,
	fragmentLimit int,
	clock func() time.Time,
	errs observability.ErrorHandler,
	debug *logging.DebugLogger,
	logger zerolog.Logger,
) *Replayer {
	r := &Replayer{
		sub:              sub,
		query:            query,
		outboundStreamID: outboundStreamID,
		limit:            fragmentLimit,
		errs:             errs,
		debug:            debug,
		logger:           logger.With().Str("component", "replayer").Logger(),
	}
	r.enabler = possdup.New(replay, r.preCommit, errs, clock, debug)
	r.assembler = bus.NewAssembler(r.onRecord)
	return r
}

// preCommit points the rewritten record at the connection that asked.
func (r *Replayer) preCommit(record []byte) error {
	return protocol.PutConnectionID(record, r.current)
}

// Poll finishes a blocked resend before reading further requests.
func (r *Replayer) Poll() int {
	if r.blocked != nil {
		n := r.serve(r.blocked)
		if r.blocked != nil {
			return n
		}
		return n + 1
	}
	return r.sub.ControlledPoll(r.assembler.OnFragment, r.limit)
}

func (r *Replayer) onRecord(record []byte, _ bus.Header) bus.Action {
	if mt, ok := frame.PeekMessageType(record); !ok || mt != schema.MsgFixMessage {
		return bus.Continue
	}
	if r.blocked != nil {
		return bus.Abort
	}
	msg, err := protocol.Decode(record)
	if err != nil {
		r.errs.OnError(fmt.Errorf("replayer: decode: %w", err))
		return bus.Continue
	}
	m := msg.(protocol.FixMessage)
	if m.MsgType != fix.MsgTypeResendRequest || m.Status != protocol.StatusOK {
		return bus.Continue
	}

	h, err := fix.Scan(m.Body)
	if err != nil {
		r.errs.OnError(fmt.Errorf("replayer: resend request from session %d: %w", m.SessionID, err))
		return bus.Continue
	}
	begin := h.Int(m.Body, h.BeginSeqNo, -1)
	end := h.Int(m.Body, h.EndSeqNo, -1)
	if begin < 1 || end < 0 {
		r.errs.OnError(fmt.Errorf("replayer: resend request from session %d has range %d..%d", m.SessionID, begin, end))
		return bus.Continue
	}

	req := &resend{
		connectionID: m.ConnectionID,
		sessionID:    m.SessionID,
		nextSeq:      int32(begin),
		endSeq:       int32(end),
	}
	r.logger.Debug().
		Int64("session_id", req.sessionID).
		Int32("begin", req.nextSeq).
		Int32("end", req.endSeq).
		Msg("replayer.onRecord resend request")
	r.serve(req)
	return bus.Continue
}

// serve replays what it can. A request that hits back pressure is kept in
// blocked and resumes at the same sequence number.
func (r *Replayer) serve(req *resend) int {
	r.current = req.connectionID
	blocked := false
	replayed := r.query.Query(r.outboundStreamID, req.sessionID, req.nextSeq, req.endSeq, func(seq int32, record []byte) bool {
		if r.enabler.Enable(record).IsRetry() {
			blocked = true
			return false
		}
		req.nextSeq = seq + 1
		r.debug.Log(logging.TagReplay, "Resent session %d seq %d", req.sessionID, seq)
		return true
	})
	if blocked {
		r.blocked = req
	} else {
		r.blocked = nil
	}
	return replayed
}
