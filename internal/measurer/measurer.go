// Package measurer periodically snapshots kernel-level TCP metrics for an
// origin load connection. Snapshots complement the application-level byte
// counters kept by the handlers: queueing visible in TCP_INFO (rtt, cwnd,
// retransmits) is the server-side signature of bufferbloat.
package measurer

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/netx"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/tcp-info/tcp"
)

const (
	minInterval      = 100 * time.Millisecond
	expectedInterval = 250 * time.Millisecond
	maxInterval      = 400 * time.Millisecond
)

// Measurement is a single TCP_INFO snapshot.
type Measurement struct {
	// ElapsedTime is the time since the measurer started, in microseconds.
	ElapsedTime int64
	// TCPInfo is the snapshot, if the platform supports it.
	TCPInfo *tcp.LinuxTCPInfo `json:",omitempty"`
}

type measurer struct {
	conn      netx.ConnInfo
	ticker    *memoryless.Ticker
	startTime time.Time
	dstChan   chan Measurement
}

// Start starts a measurer goroutine that periodically reads TCP_INFO for
// the connection, if available, and sends snapshots over the returned
// channel. The context determines the goroutine's lifetime.
func Start(ctx context.Context, conn netx.ConnInfo) <-chan Measurement {
	// The channel is buffered to account for slow readers: handlers are
	// usually busy writing or draining load traffic. The buffer covers at
	// least 10 seconds of snapshots.
	dst := make(chan Measurement, 100)

	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      minInterval,
		Expected: expectedInterval,
		Max:      maxInterval,
	})
	// This can only error if the interval constants are invalid.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")

	m := &measurer{
		conn:    conn,
		ticker:  t,
		dstChan: dst,
	}
	go func() {
		m.startTime = time.Now()
		m.loop(ctx)
	}()
	return dst
}

func (m *measurer) loop(ctx context.Context) {
	defer m.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(m.dstChan)
			return
		case <-m.ticker.C:
			m.measure()
		}
	}
}

func (m *measurer) measure() {
	info, err := m.conn.TCPInfo()
	if err != nil {
		// Expected on platforms without TCP_INFO; nothing to record.
		log.Debug("cannot read TCP_INFO", "error", err)
		return
	}
	select {
	case m.dstChan <- Measurement{
		ElapsedTime: time.Since(m.startTime).Microseconds(),
		TCPInfo:     info,
	}:
	default:
		// Reader too slow: drop the snapshot.
	}
}
