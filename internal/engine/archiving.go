package engine

import (
	"github.com/danmuck/fixgate/internal/engine/archive"
	"github.com/danmuck/fixgate/internal/engine/index"
	"github.com/danmuck/fixgate/internal/engine/replayer"
)

// archivingAgent keeps the archive and both indices current and answers
// counterparty resend requests. It runs on its own goroutine.
type archivingAgent struct {
	archiver *archive.Archiver
	sent     *index.Indexer
	received *index.Indexer
	replayer *replayer.Replayer
}

func (a *archivingAgent) RoleName() string { return "archiving" }

func (a *archivingAgent) DoWork() (int, error) {
	n := a.archiver.Poll()
	n += a.sent.Poll()
	n += a.received.Poll()
	n += a.replayer.Poll()
	return n, nil
}

func (a *archivingAgent) OnClose() {}

// rebuildIndices replays archived records into the indices so sequence
// numbers survive a restart.
func rebuildIndices(arch *archive.Archive, sent, received *index.Indexer) (int, int) {
	return arch.Scan(OutboundStreamID, sent.Apply), arch.Scan(InboundStreamID, received.Apply)
}
