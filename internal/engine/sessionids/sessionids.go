// Package sessionids maps counterparty session keys to durable session ids.
package sessionids

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/danmuck/fixgate/internal/fix"
)

var (
	ErrDuplicateSession = errors.New("sessionids: session already has a live connection")
	ErrMissingKey       = errors.New("sessionids: logon carries no comp ids")
)

// CompositeKey identifies a session from this engine's point of view.
type CompositeKey struct {
	SenderCompID     string `cbor:"1,keyasint"`
	SenderSubID      string `cbor:"2,keyasint,omitempty"`
	SenderLocationID string `cbor:"3,keyasint,omitempty"`
	TargetCompID     string `cbor:"4,keyasint"`
}

func (k CompositeKey) IsZero() bool {
	return k.SenderCompID == "" && k.TargetCompID == ""
}

func (k CompositeKey) String() string {
	return fmt.Sprintf("%s/%s/%s->%s", k.SenderCompID, k.SenderSubID, k.SenderLocationID, k.TargetCompID)
}

// AcceptorKey builds the key for a logon received from a counterparty: our
// identity is in the target fields.
func AcceptorKey(msg []byte, h fix.Header) CompositeKey {
	return CompositeKey{
		SenderCompID:     h.String(msg, h.TargetCompID),
		SenderSubID:      h.String(msg, h.TargetSubID),
		SenderLocationID: h.String(msg, h.TargetLocationID),
		TargetCompID:     h.String(msg, h.SenderCompID),
	}
}

// InitiatorKey builds the key for a message this engine sent.
func InitiatorKey(msg []byte, h fix.Header) CompositeKey {
	return CompositeKey{
		SenderCompID:     h.String(msg, h.SenderCompID),
		SenderSubID:      h.String(msg, h.SenderSubID),
		SenderLocationID: h.String(msg, h.SenderLocationID),
		TargetCompID:     h.String(msg, h.TargetCompID),
	}
}

type snapshotEntry struct {
	Key CompositeKey `cbor:"1,keyasint"`
	ID  int64        `cbor:"2,keyasint"`
}

type snapshot struct {
	NextID   int64           `cbor:"1,keyasint"`
	Sessions []snapshotEntry `cbor:"2,keyasint"`
}

// Store owns key to id assignment. The framer is the only writer; the mutex
// covers admin reads.
type Store struct {
	mu     sync.Mutex
	path   string
	ids    map[CompositeKey]int64
	keys   map[int64]CompositeKey
	active map[int64]struct{}
	nextID int64
	logger zerolog.Logger
}

// Open loads the snapshot at path. An empty path keeps ids in memory only.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		ids:    make(map[CompositeKey]int64),
		keys:   make(map[int64]CompositeKey),
		active: make(map[int64]struct{}),
		nextID: 1,
		logger: logger.With().Str("component", "sessionids").Logger(),
	}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionids: read %s: %w", path, err)
	}
	var snap snapshot
	if err := cbor.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("sessionids: decode %s: %w", path, err)
	}
	for _, e := range snap.Sessions {
		s.ids[e.Key] = e.ID
		s.keys[e.ID] = e.Key
	}
	s.nextID = max(snap.NextID, 1)
	s.logger.Info().Int("sessions", len(snap.Sessions)).Int64("next_id", s.nextID).Msg("sessionids.Open")
	return s, nil
}

// OnLogon resolves key to its durable id, allocating one on first sight, and
// marks it live. A key that is already live returns ErrDuplicateSession.
func (s *Store) OnLogon(key CompositeKey) (int64, error) {
	if key.IsZero() {
		return 0, ErrMissingKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	if ok {
		if _, live := s.active[id]; live {
			return id, fmt.Errorf("%w: %s", ErrDuplicateSession, key)
		}
		s.active[id] = struct{}{}
		return id, nil
	}
	id = s.nextID
	s.nextID++
	s.ids[key] = id
	s.keys[id] = key
	s.active[id] = struct{}{}
	if err := s.saveLocked(); err != nil {
		s.logger.Error().Err(err).Int64("session_id", id).Msg("sessionids.OnLogon persist")
	}
	return id, nil
}

// OnDisconnect releases the live marker; the id stays assigned.
func (s *Store) OnDisconnect(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// OnSentFollowerMessage mirrors the leader's id assignment from the logons
// it sends, so a follower resolves the same ids after failover.
func (s *Store) OnSentFollowerMessage(sessionID int64, msgType string, body []byte) {
	if msgType != fix.MsgTypeLogon {
		return
	}
	h, err := fix.Scan(body)
	if err != nil {
		s.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("sessionids.OnSentFollowerMessage scan")
		return
	}
	key := InitiatorKey(body, h)
	if key.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.ids[key]; ok && cur == sessionID {
		return
	}
	s.ids[key] = sessionID
	s.keys[sessionID] = key
	if sessionID >= s.nextID {
		s.nextID = sessionID + 1
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("sessionids.OnSentFollowerMessage persist")
	}
}

func (s *Store) Lookup(key CompositeKey) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	return id, ok
}

func (s *Store) Key(sessionID int64) (CompositeKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[sessionID]
	return key, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Reset forgets every assignment. When backupPath is set the current
// snapshot is written there first; a backup failure leaves the store intact.
func (s *Store) Reset(backupPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if backupPath != "" {
		if err := s.writeLocked(backupPath); err != nil {
			return fmt.Errorf("sessionids: backup: %w", err)
		}
	}
	clear(s.ids)
	clear(s.keys)
	clear(s.active)
	s.nextID = 1
	s.logger.Info().Str("backup", backupPath).Msg("sessionids.Reset")
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	return s.writeLocked(s.path)
}

func (s *Store) writeLocked(path string) error {
	snap := snapshot{NextID: s.nextID, Sessions: make([]snapshotEntry, 0, len(s.ids))}
	for key, id := range s.ids {
		snap.Sessions = append(snap.Sessions, snapshotEntry{Key: key, ID: id})
	}
	slices.SortFunc(snap.Sessions, func(a, b snapshotEntry) int {
		return cmp.Compare(a.ID, b.ID)
	})
	raw, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
