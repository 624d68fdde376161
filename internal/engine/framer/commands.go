package framer

import (
	"context"
	"errors"
	"slices"

	"github.com/danmuck/fixgate/internal/engine/work"
	"github.com/danmuck/fixgate/internal/protocol"
)

var ErrResetFailed = errors.New("framer: sequence number reset failed")

// adminCommand is the closed set of requests other goroutines hand the
// framer through its MPSC queue.
type adminCommand interface {
	adminCommand()
}

type queryLibrariesCommand struct {
	reply chan []LibraryInfo
}

type resetSessionIdsCommand struct {
	backupPath string
	reply      chan error
	done       bool
}

// ResetSequenceNumberCommand resets one session's sequence numbers on both
// streams and completes once both indices report zero.
type ResetSequenceNumberCommand struct {
	sessionID int64
	uow       *work.UnitOfWork
	reply     chan error
	done      bool
}

func (*queryLibrariesCommand) adminCommand()      {}
func (*resetSessionIdsCommand) adminCommand()     {}
func (*ResetSequenceNumberCommand) adminCommand() {}

func (c *resetSessionIdsCommand) complete(err error) {
	if c.done {
		return
	}
	c.done = true
	c.reply <- err
}

func (f *Framer) onAdminCommand(cmd adminCommand) {
	switch c := cmd.(type) {
	case *queryLibrariesCommand:
		c.reply <- f.libraryInfos()
	case *resetSessionIdsCommand:
		f.onResetSessionIds(c)
	case *ResetSequenceNumberCommand:
		f.onResetSequenceNumber(c)
	}
}

func (f *Framer) libraryInfos() []LibraryInfo {
	ids := make([]int32, 0, len(f.libraries))
	for id := range f.libraries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	infos := make([]LibraryInfo, 0, len(ids)+1)
	for _, id := range ids {
		infos = append(infos, snapshotLibrary(id, f.libraries[id].sessions))
	}
	return append(infos, snapshotLibrary(protocol.EngineLibraryID, f.gatewaySessions.sessions))
}

func (f *Framer) onResetSessionIds(c *resetSessionIdsCommand) {
	f.schedule(work.NewUnitOfWork(
		work.Publish(func() int64 { return f.inbound.Save(protocol.ResetSessionIds{}) }),
		work.Publish(func() int64 { return f.outbound.Save(protocol.ResetSessionIds{}) }),
		work.Func(func() work.Result {
			if err := f.sessionIDs.Reset(c.backupPath); err != nil {
				c.complete(err)
			}
			return work.Done
		}),
		work.Await(func() bool {
			if c.done {
				return true
			}
			if !f.sentIndex.IsEmpty() || !f.receivedIndex.IsEmpty() {
				return false
			}
			c.complete(nil)
			return true
		}),
	))
}

func (f *Framer) newResetSequenceNumberCommand(sessionID int64) *ResetSequenceNumberCommand {
	c := &ResetSequenceNumberCommand{sessionID: sessionID, reply: make(chan error, 1)}
	c.uow = work.NewUnitOfWork(
		work.Publish(func() int64 { return f.inbound.Save(protocol.ResetSequenceNumber{SessionID: sessionID}) }),
		work.Publish(func() int64 { return f.outbound.Save(protocol.ResetSequenceNumber{SessionID: sessionID}) }),
		work.Await(func() bool {
			return f.sentIndex.LastKnownSequenceNumber(sessionID) == 0 &&
				f.receivedIndex.LastKnownSequenceNumber(sessionID) == 0
		}),
	)
	return c
}

func (f *Framer) onResetSequenceNumber(c *ResetSequenceNumberCommand) {
	if !f.pollReset(c) {
		f.replies = append(f.replies, c)
	}
}

// pollReset advances a reset and reports whether it has completed.
func (f *Framer) pollReset(c *ResetSequenceNumberCommand) bool {
	if c.done {
		return true
	}
	r := c.uow.Attempt()
	if r.IsRetry() {
		return false
	}
	c.done = true
	if r.IsFatal() {
		c.reply <- ErrResetFailed
		return true
	}
	if s := f.sessionByID(c.sessionID); s != nil {
		s.resetSequenceNumbers()
	}
	c.reply <- nil
	return true
}

func (f *Framer) sessionByID(sessionID int64) *GatewaySession {
	if s := f.gatewaySessions.bySessionID(sessionID); s != nil {
		return s
	}
	for _, lib := range f.libraries {
		for _, s := range lib.sessions {
			if s.sessionID == sessionID {
				return s
			}
		}
	}
	return nil
}

func (f *Framer) checkReplies() int {
	return work.RemoveIf(&f.replies, f.pollReset)
}

// QueryLibraries returns every attached library and the engine's own
// sessions under library id 0. Safe to call from any goroutine.
func (f *Framer) QueryLibraries(ctx context.Context) ([]LibraryInfo, error) {
	c := &queryLibrariesCommand{reply: make(chan []LibraryInfo, 1)}
	f.adminCommands.Offer(c)
	select {
	case infos := <-c.reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetSessionIds clears every session id, optionally backing the store up
// first, and waits for both indices to drop their state.
func (f *Framer) ResetSessionIds(ctx context.Context, backupPath string) error {
	c := &resetSessionIdsCommand{backupPath: backupPath, reply: make(chan error, 1)}
	f.adminCommands.Offer(c)
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Framer) ResetSequenceNumber(ctx context.Context, sessionID int64) error {
	c := f.newResetSequenceNumberCommand(sessionID)
	f.adminCommands.Offer(c)
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
