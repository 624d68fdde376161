// Package archive keeps every FixMessage record seen on a bus stream and
// answers replay queries by session and sequence number.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/danmuck/fixgate/internal/fix"
	"github.com/danmuck/fixgate/internal/protocol"
	"github.com/danmuck/fixgate/internal/protocol/frame"
	"github.com/danmuck/fixgate/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrNoSequence = errors.New("archive: fix message has no sequence number")

// BlockHandler receives a borrowed view of archived bytes.
type BlockHandler func(block []byte)

// Reader delivers raw archived bytes by stream position.
type Reader interface {
	ReadBlock(streamID int32, position int64, length int, handler BlockHandler) bool
}

// QueryHandler receives one archived record. Returning false stops the query;
// the record is not counted.
type QueryHandler func(seq int32, record []byte) bool

// ReplayQuery walks a session's archived records in sequence order.
type ReplayQuery interface {
	Query(streamID int32, sessionID int64, beginSeq, endSeq int32, handler QueryHandler) int
}

type ref struct {
	position int64
	length   int
}

type session struct {
	records map[int32]ref
	last    int32
}

type streamLog struct {
	data     []byte
	sessions map[int64]*session
	file     *os.File
}

// Archive is a set of append-only stream logs, optionally mirrored to disk.
// One goroutine appends; readers may run concurrently.
type Archive struct {
	mu      sync.RWMutex
	streams map[int32]*streamLog
	dir     string
	limits  frame.Limits
	logger  zerolog.Logger
}

// Open returns an archive rooted at dir. An empty dir keeps everything in
// memory. Existing stream files are reloaded.
func Open(dir string, logger zerolog.Logger) (*Archive, error) {
	a := &Archive{
		streams: make(map[int32]*streamLog),
		dir:     dir,
		limits:  frame.DefaultLimits(),
		logger:  logger.With().Str("component", "archive").Logger(),
	}
	if dir == "" {
		return a, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "stream-*.log"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		var streamID int32
		if _, err := fmt.Sscanf(filepath.Base(path), "stream-%d.log", &streamID); err != nil {
			continue
		}
		if err := a.reload(streamID, path); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Archive) reload(streamID int32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	count := 0
	for {
		fr, err := frame.ReadFrame(f, a.limits)
		if err != nil {
			if !errors.Is(err, frame.ErrShortHeader) {
				a.logger.Warn().Err(err).Str("path", path).Msg("archive.reload stopped at damaged record")
			}
			break
		}
		record, err := frame.Append(nil, fr, a.limits)
		if err != nil {
			return err
		}
		// Headers are rebuilt, so flags and message ids survive the round trip.
		if err := a.append(streamID, record, false); err != nil {
			a.logger.Warn().Err(err).Str("path", path).Msg("archive.reload skipped record")
			continue
		}
		count++
	}
	a.logger.Info().Int32("stream", streamID).Int("records", count).Msg("archive.reload")
	return nil
}

func (a *Archive) stream(streamID int32) (*streamLog, error) {
	log, ok := a.streams[streamID]
	if ok {
		return log, nil
	}
	log = &streamLog{sessions: make(map[int64]*session)}
	if a.dir != "" {
		path := filepath.Join(a.dir, fmt.Sprintf("stream-%d.log", streamID))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("archive: open stream file: %w", err)
		}
		log.file = f
	}
	a.streams[streamID] = log
	return log, nil
}

// Append archives one record. FixMessage records are indexed by session and
// sequence number; reset records are kept in the log and clear the affected
// session indexes. Everything else is ignored.
func (a *Archive) Append(streamID int32, record []byte) error {
	return a.append(streamID, record, true)
}

func (a *Archive) append(streamID int32, record []byte, persist bool) error {
	mt, ok := frame.PeekMessageType(record)
	if !ok {
		return frame.ErrShortHeader
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	log, err := a.stream(streamID)
	if err != nil {
		return err
	}

	switch mt {
	case schema.MsgFixMessage:
	case schema.MsgResetSequenceNumber:
		msg, err := protocol.Decode(record)
		if err != nil {
			return err
		}
		delete(log.sessions, msg.(protocol.ResetSequenceNumber).SessionID)
		log.data = append(log.data, record...)
		return a.persist(log, record, persist)
	case schema.MsgResetSessionIds:
		clear(log.sessions)
		log.data = append(log.data, record...)
		return a.persist(log, record, persist)
	default:
		return nil
	}

	sessionID, err := protocol.FixMessageSessionID(record)
	if err != nil {
		return err
	}
	body, err := protocol.LocateFixBody(record)
	if err != nil {
		return err
	}
	msg := record[body.Offset:body.End()]
	h, err := fix.Scan(msg)
	if err != nil {
		return err
	}
	seq := h.Int(msg, h.MsgSeqNum, -1)
	if seq < 0 {
		return ErrNoSequence
	}

	position := int64(len(log.data))
	log.data = append(log.data, record...)
	s, ok := log.sessions[sessionID]
	if !ok {
		s = &session{records: make(map[int32]ref)}
		log.sessions[sessionID] = s
	}
	s.records[int32(seq)] = ref{position: position, length: len(record)}
	if int32(seq) > s.last {
		s.last = int32(seq)
	}
	return a.persist(log, record, persist)
}

func (a *Archive) persist(log *streamLog, record []byte, persist bool) error {
	if !persist || log.file == nil {
		return nil
	}
	if _, err := log.file.Write(record); err != nil {
		return fmt.Errorf("archive: write: %w", err)
	}
	return nil
}

// ReadBlock hands handler the bytes at [position, position+length) of the
// stream log. It returns false when the range is not archived.
func (a *Archive) ReadBlock(streamID int32, position int64, length int, handler BlockHandler) bool {
	a.mu.RLock()
	log, ok := a.streams[streamID]
	if !ok || position < 0 || length < 0 || position+int64(length) > int64(len(log.data)) {
		a.mu.RUnlock()
		return false
	}
	block := log.data[position : position+int64(length) : position+int64(length)]
	a.mu.RUnlock()
	handler(block)
	return true
}

// Query calls handler for each archived record of sessionID with a sequence
// number in [beginSeq, endSeq], in order. An endSeq of zero or below means
// "through the latest". Gaps are skipped. It returns the records delivered.
func (a *Archive) Query(streamID int32, sessionID int64, beginSeq, endSeq int32, handler QueryHandler) int {
	a.mu.RLock()
	log, ok := a.streams[streamID]
	if !ok {
		a.mu.RUnlock()
		return 0
	}
	s, ok := log.sessions[sessionID]
	if !ok {
		a.mu.RUnlock()
		return 0
	}
	last := s.last
	if endSeq > 0 && endSeq < last {
		last = endSeq
	}
	refs := make([]ref, 0, max(0, int(last-beginSeq+1)))
	seqs := make([]int32, 0, cap(refs))
	for seq := beginSeq; seq <= last; seq++ {
		if r, ok := s.records[seq]; ok {
			refs = append(refs, r)
			seqs = append(seqs, seq)
		}
	}
	a.mu.RUnlock()

	delivered := 0
	for i, r := range refs {
		keep := true
		a.ReadBlock(streamID, r.position, r.length, func(block []byte) {
			keep = handler(seqs[i], block)
		})
		if !keep {
			break
		}
		delivered++
	}
	return delivered
}

// LastSequence returns the highest archived sequence number for a session,
// or protocol.UnknownSequence.
func (a *Archive) LastSequence(streamID int32, sessionID int64) int32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	log, ok := a.streams[streamID]
	if !ok {
		return protocol.UnknownSequence
	}
	s, ok := log.sessions[sessionID]
	if !ok {
		return protocol.UnknownSequence
	}
	return s.last
}

// Scan visits every archived record of a stream in append order. It is used
// to rebuild indexes at startup.
func (a *Archive) Scan(streamID int32, fn func(record []byte)) int {
	a.mu.RLock()
	log, ok := a.streams[streamID]
	if !ok {
		a.mu.RUnlock()
		return 0
	}
	data := log.data[:len(log.data):len(log.data)]
	a.mu.RUnlock()

	count := 0
	for off := 0; off < len(data); {
		fr, err := frame.Parse(data[off:], a.limits)
		if err != nil {
			break
		}
		n := int(fr.Header.HeaderLen) + len(fr.Payload)
		fn(data[off : off+n])
		off += n
		count++
	}
	return count
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, log := range a.streams {
		if log.file != nil {
			errs = append(errs, log.file.Close())
			log.file = nil
		}
	}
	return errors.Join(errs...)
}
