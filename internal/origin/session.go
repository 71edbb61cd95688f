package origin

import (
	"sync"
	"time"

	"github.com/m-lab/bloat/internal/measurer"
)

// FlowRecord is the archival record of a single load flow served by the
// origin.
type FlowRecord struct {
	// UUID is the unique id of the TCP flow.
	UUID string
	// Direction is "download" or "upload".
	Direction string
	// StreamID is the client-assigned stream id, when provided.
	StreamID string `json:",omitempty"`
	// RequestedCC and ActualCC record congestion control negotiation.
	RequestedCC string `json:",omitempty"`
	ActualCC    string `json:",omitempty"`
	// Bytes is the number of application-level bytes served or drained.
	Bytes int64
	// StartTime and EndTime bound the flow.
	StartTime time.Time
	EndTime   time.Time
	// Snapshots are the kernel-level TCP_INFO snapshots taken while the
	// flow was active.
	Snapshots []measurer.Measurement `json:",omitempty"`
}

// Session aggregates everything the origin served for one measurement id.
// It is kept in a TTL cache and archived to disk on expiration.
type Session struct {
	// ID is the measurement id.
	ID string
	// StartTime is the time the session was first seen.
	StartTime time.Time

	mu sync.Mutex
	// Pings is the number of ping requests served.
	Pings int64
	// DownloadBytes and UploadBytes are application-level totals.
	DownloadBytes int64
	UploadBytes   int64
	// Flows are the individual load flows.
	Flows []FlowRecord
}

// ArchivalData is the lock-free snapshot of a Session that is serialized
// as JSON to disk when the session expires.
type ArchivalData struct {
	ID            string
	StartTime     time.Time
	EndTime       time.Time
	Pings         int64
	DownloadBytes int64
	UploadBytes   int64
	Flows         []FlowRecord `json:",omitempty"`
}

// NewSession returns an empty session for the given measurement id.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		StartTime: time.Now(),
	}
}

// RecordPing counts one served ping.
func (s *Session) RecordPing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pings++
}

// Archive returns the session's archival snapshot, with the end time set
// to now.
func (s *Session) Archive() *ArchivalData {
	s.mu.Lock()
	defer s.mu.Unlock()
	flows := make([]FlowRecord, len(s.Flows))
	copy(flows, s.Flows)
	return &ArchivalData{
		ID:            s.ID,
		StartTime:     s.StartTime,
		EndTime:       time.Now(),
		Pings:         s.Pings,
		DownloadBytes: s.DownloadBytes,
		UploadBytes:   s.UploadBytes,
		Flows:         flows,
	}
}

// RecordFlow appends a completed flow record and updates the per-direction
// totals.
func (s *Session) RecordFlow(f FlowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Flows = append(s.Flows, f)
	switch f.Direction {
	case "download":
		s.DownloadBytes += f.Bytes
	case "upload":
		s.UploadBytes += f.Bytes
	}
}
