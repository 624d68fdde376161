package framer

import (
	"time"

	"github.com/danmuck/fixgate/internal/bus"
	"github.com/danmuck/fixgate/internal/protocol"
)

// LivenessDetector tracks a library's heartbeats and sends the engine's own
// heartbeat to it at a quarter of the reply timeout.
type LivenessDetector struct {
	pub          *protocol.GatewayPublication
	libraryID    int32
	replyTimeout time.Duration
	sendInterval time.Duration
	receiveBy    time.Time
	nextSend     time.Time
	connected    bool
}

func newLivenessDetector(pub *protocol.GatewayPublication, libraryID int32, replyTimeout time.Duration, now time.Time) *LivenessDetector {
	interval := replyTimeout / 4
	return &LivenessDetector{
		pub:          pub,
		libraryID:    libraryID,
		replyTimeout: replyTimeout,
		sendInterval: interval,
		receiveBy:    now.Add(replyTimeout),
		nextSend:     now.Add(interval),
		connected:    true,
	}
}

func (d *LivenessDetector) poll(now time.Time) int {
	if !d.connected {
		return 0
	}
	if now.After(d.receiveBy) {
		d.connected = false
		return 1
	}
	if !now.Before(d.nextSend) {
		pos := d.pub.Save(protocol.ApplicationHeartbeat{LibraryID: d.libraryID})
		if !bus.IsBackPressured(pos) {
			d.nextSend = now.Add(d.sendInterval)
			return 1
		}
	}
	return 0
}

func (d *LivenessDetector) onHeartbeat(now time.Time) {
	d.receiveBy = now.Add(d.replyTimeout)
	d.connected = true
}

func (d *LivenessDetector) isConnected() bool { return d.connected }

// LiveLibraryInfo is one attached library and the sessions it owns.
type LiveLibraryInfo struct {
	libraryID   int32
	publisherID int32
	liveness    *LivenessDetector
	sessions    []*GatewaySession
}

func newLiveLibraryInfo(libraryID, publisherID int32, liveness *LivenessDetector) *LiveLibraryInfo {
	return &LiveLibraryInfo{libraryID: libraryID, publisherID: publisherID, liveness: liveness}
}

func (l *LiveLibraryInfo) LibraryID() int32 { return l.libraryID }
func (l *LiveLibraryInfo) PublisherID() int32 { return l.publisherID }
func (l *LiveLibraryInfo) Sessions() []*GatewaySession { return l.sessions }
func (l *LiveLibraryInfo) isConnected() bool { return l.liveness.isConnected() }
func (l *LiveLibraryInfo) poll(now time.Time) int { return l.liveness.poll(now) }
func (l *LiveLibraryInfo) onHeartbeat(now time.Time) { l.liveness.onHeartbeat(now) }

func (l *LiveLibraryInfo) addSession(s *GatewaySession) {
	s.handoverManagementTo(l.libraryID)
	l.sessions = append(l.sessions, s)
}

func (l *LiveLibraryInfo) removeSession(connectionID int64) *GatewaySession {
	for i, s := range l.sessions {
		if s.connectionID == connectionID {
			l.sessions = append(l.sessions[:i], l.sessions[i+1:]...)
			return s
		}
	}
	return nil
}

func (l *LiveLibraryInfo) sessionIDs() []int64 {
	ids := make([]int64, 0, len(l.sessions))
	for _, s := range l.sessions {
		ids = append(ids, s.sessionID)
	}
	return ids
}

// LibraryInfo is a copy of one library's state for readers off the framer
// goroutine.
type LibraryInfo struct {
	LibraryID int32         `json:"library_id"`
	Sessions  []SessionInfo `json:"sessions"`
}

type SessionInfo struct {
	ConnectionID       int64  `json:"connection_id"`
	SessionID          int64  `json:"session_id"`
	Address            string `json:"address"`
	ConnectionType     string `json:"connection_type"`
	State              string `json:"state"`
	Key                string `json:"key"`
	LastSentSeqNum     int32  `json:"last_sent_seq_num"`
	LastReceivedSeqNum int32  `json:"last_received_seq_num"`
	HeartbeatIntervalS int32  `json:"heartbeat_interval_s"`
}

func snapshotLibrary(libraryID int32, sessions []*GatewaySession) LibraryInfo {
	info := LibraryInfo{LibraryID: libraryID, Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		info.Sessions = append(info.Sessions, s.info())
	}
	return info
}
