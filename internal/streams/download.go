package streams

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
)

// downloadReadBuffer is the size of the read buffer used to drain the
// download body.
const downloadReadBuffer = 64 * 1024

// downloadStream reads a single long-lived GET /download response body and
// credits each chunk to its byte counter.
type downloadStream struct {
	stream

	// chunkDelay optionally paces body reads. Zero means no pacing.
	chunkDelay time.Duration
}

// spawnDownload registers and starts a new download stream.
func (m *Manager) spawnDownload(ctx context.Context, warmup bool, chunkDelay time.Duration) {
	s := &downloadStream{
		chunkDelay: chunkDelay,
	}
	streamCtx := m.initStream(ctx, &s.stream, model.DirectionDownload)
	m.mu.Lock()
	m.downloads[s.id] = s
	m.mu.Unlock()
	m.announce(&s.stream)

	go s.run(streamCtx, m)
}

// run opens the download request and reads the body until cancellation,
// body end or transport error. The request and body are released exactly
// once, on every exit path.
func (s *downloadStream) run(ctx context.Context, m *Manager) {
	defer m.finish(&s.stream)

	u := m.endpoint(spec.DownloadPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.Error("cannot create download request", "id", s.id, "error", err)
		return
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("X-Stream-ID", fmt.Sprintf("%d", s.id))
	req.Header.Set("X-Priority", "load")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("download request failed", "id", s.id, "error", err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Debug("download request rejected", "id", s.id, "status", resp.StatusCode)
		return
	}

	buf := make([]byte, downloadReadBuffer)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			s.credit(int64(n))
		}
		if err != nil {
			// Body end, transport error or cancellation: all of them end
			// the stream.
			return
		}
		if s.chunkDelay > 0 {
			sleep(ctx, s.chunkDelay)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
