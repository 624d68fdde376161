// Package index tracks the last known sequence number per session for one
// message direction. The indexer agent is the only writer; the framer and
// the admin surface read concurrently.
package index

import (
	"sync"

	"github.com/danmuck/fixgate/internal/protocol"
)

// Unknown is returned for a session the index has never seen.
const Unknown = protocol.UnknownSequence

// Reader is the read contract the framer consumes.
type Reader interface {
	LastKnownSequenceNumber(sessionID int64) int32
	// IndexedPosition is the bus position of the last record indexed from
	// publisherID.
	IndexedPosition(publisherID int32) int64
	IsEmpty() bool
}

// Store is an in-memory sequence-number index.
type Store struct {
	mu        sync.RWMutex
	sequences map[int64]int32
	positions map[int32]int64
}

func NewStore() *Store {
	return &Store{
		sequences: make(map[int64]int32),
		positions: make(map[int32]int64),
	}
}

func (s *Store) LastKnownSequenceNumber(sessionID int64) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[sessionID]
	if !ok {
		return Unknown
	}
	return seq
}

func (s *Store) IndexedPosition(publisherID int32) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[publisherID]
}

func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sequences) == 0
}

// AwaitingIndexingUpTo reports whether everything publisherID published up to
// position has been indexed. It never blocks; callers retry it as a step.
func (s *Store) AwaitingIndexingUpTo(publisherID int32, position int64) bool {
	return s.IndexedPosition(publisherID) >= position
}

// Snapshot copies the per-session sequence numbers.
func (s *Store) Snapshot() map[int64]int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]int32, len(s.sequences))
	for k, v := range s.sequences {
		out[k] = v
	}
	return out
}

// onSequence keeps the highest sequence number seen; replays never lower it.
func (s *Store) onSequence(sessionID int64, seq int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sequences[sessionID]; !ok || seq > cur {
		s.sequences[sessionID] = seq
	}
}

func (s *Store) resetSession(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[sessionID] = 0
}

func (s *Store) resetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sequences)
}

func (s *Store) markIndexed(publisherID int32, position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position > s.positions[publisherID] {
		s.positions[publisherID] = position
	}
}
