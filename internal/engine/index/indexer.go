package index

import (
	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/danmuck/fixgate/internal/protocol/frame"
	"github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/rs/zerolog"
)

// Indexer folds one bus stream into a Store.
type Indexer struct {
	name      string
	sub       bus.Subscription
	store     *Store
	limit     int
	assembler *bus.Assembler
	errs      observability.ErrorHandler
	debug     *logging.DebugLogger
	logger    zerolog.Logger
}

func NewIndexer(
	name string,
	sub bus.Subscription,
	store *Store,
	fragmentLimit int,
	errs observability.ErrorHandler,
	debug *logging.DebugLogger,
	logger zerolog.Logger,
) *Indexer {
	ix := &Indexer{
		name:   name,
		sub:    sub,
		store:  store,
		limit:  fragmentLimit,
		errs:   errs,
		debug:  debug,
		logger: logger.With().Str("index", name).Logger(),
	}
	ix.assembler = bus.NewAssembler(ix.onRecord)
	return ix
}

func (ix *Indexer) Store() *Store { return ix.store }

// Poll indexes up to the fragment limit and returns the fragment count.
func (ix *Indexer) Poll() int {
	return ix.sub.ControlledPoll(ix.assembler.OnFragment, ix.limit)
}

func (ix *Indexer) onRecord(record []byte, h bus.Header) bus.Action {
	ix.Apply(record)
	ix.store.markIndexed(h.PublisherID, h.Position)
	return bus.Continue
}

// Apply folds one record into the store. It is also used to rebuild the
// index from archived records at startup.
func (ix *Indexer) Apply(record []byte) {
	mt, ok := frame.PeekMessageType(record)
	if !ok {
		return
	}
	switch mt {
	case schema.MsgFixMessage:
		ix.onFixMessage(record)
	case schema.MsgResetSequenceNumber:
		msg, err := protocol.Decode(record)
		if err != nil {
			ix.errs.OnError(err)
			return
		}
		sessionID := msg.(protocol.ResetSequenceNumber).SessionID
		ix.store.resetSession(sessionID)
		ix.logger.Info().Int64("session_id", sessionID).Msg("index.Apply sequence reset")
	case schema.MsgResetSessionIds:
		ix.store.resetAll()
		ix.logger.Info().Msg("index.Apply session ids reset")
	}
}

func (ix *Indexer) onFixMessage(record []byte) {
	body, err := protocol.LocateFixBody(record)
	if err != nil {
		ix.errs.OnError(err)
		return
	}
	sessionID, err := protocol.FixMessageSessionID(record)
	if err != nil {
		ix.errs.OnError(err)
		return
	}
	msg := record[body.Offset:body.End()]
	h, err := fix.Scan(msg)
	if err != nil {
		ix.errs.OnError(err)
		return
	}
	seq := h.Int(msg, h.MsgSeqNum, -1)
	if seq < 0 {
		return
	}
	ix.store.onSequence(sessionID, int32(seq))
	ix.debug.Log(logging.TagIndex, "%s index session=%d seq=%d", ix.name, sessionID, seq)
}
