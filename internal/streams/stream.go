// Package streams implements the load stream manager: it creates, tracks
// and forcibly terminates the concurrent download and upload streams that
// saturate the link, and accounts transferred bytes per stream.
package streams

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/m-lab/bloat/pkg/bloat1/model"
)

// Counts holds the number of active streams per direction.
type Counts struct {
	Download int
	Upload   int
	Total    int
}

// stream holds the state shared by download and upload streams. Once active
// becomes false the byte counter is frozen: nothing credits bytes to a
// terminated stream.
type stream struct {
	id        int64
	direction model.Direction
	createdAt time.Time
	phase     model.Phase

	active atomic.Bool
	bytes  atomic.Int64

	// sampled is the number of bytes already collected by the throughput
	// monitor. Guarded by the Manager's mutex.
	sampled int64

	cancel context.CancelFunc
}

// credit adds n bytes to the stream's counter, unless the stream has been
// terminated.
func (s *stream) credit(n int64) {
	if s.active.Load() {
		s.bytes.Add(n)
	}
}
