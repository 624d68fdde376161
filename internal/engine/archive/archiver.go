package archive

import (
	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/observability"
)

type archivedStream struct {
	streamID  int32
	sub       bus.Subscription
	assembler *bus.Assembler
}

// Archiver copies bus streams into an Archive.
type Archiver struct {
	archive *Archive
	streams []*archivedStream
	limit   int
	errs    observability.ErrorHandler
}

func NewArchiver(archive *Archive, fragmentLimit int, errs observability.ErrorHandler) *Archiver {
	return &Archiver{archive: archive, limit: fragmentLimit, errs: errs}
}

// Subscribe adds a stream to archive.
func (ar *Archiver) Subscribe(streamID int32, sub bus.Subscription) {
	s := &archivedStream{streamID: streamID, sub: sub}
	s.assembler = bus.NewAssembler(func(record []byte, _ bus.Header) bus.Action {
		if err := ar.archive.Append(s.streamID, record); err != nil {
			ar.errs.OnError(err)
		}
		return bus.Continue
	})
	ar.streams = append(ar.streams, s)
}

func (ar *Archiver) Archive() *Archive { return ar.archive }

// Poll archives up to the fragment limit from each stream.
func (ar *Archiver) Poll() int {
	work := 0
	for _, s := range ar.streams {
		work += s.sub.ControlledPoll(s.assembler.OnFragment, ar.limit)
	}
	return work
}
