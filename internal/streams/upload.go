package streams

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
)

// uploadStream issues concurrent POST /upload requests, keeping at most
// pendingDepth of them in flight. Payloads are pulled from a bounded queue
// of pre-filled random buffers topped up by a refill goroutine.
type uploadStream struct {
	stream

	pendingDepth atomic.Int32
	warmup       bool

	queue chan []byte
	// slot receives a notification whenever an in-flight request
	// completes, waking the driver loop.
	slot     chan struct{}
	inFlight atomic.Int32

	// lastProgress is the unix-nano time of the last queue pull or POST
	// completion. The refiller uses it to detect stalls.
	lastProgress atomic.Int64

	// generated counts buffers produced so far; it drives the warmup
	// slow-start ramp. Only the refiller touches it.
	generated int
	rnd       *rand.Rand
}

// spawnUpload registers and starts a new upload stream with a freshly
// filled buffer queue.
func (m *Manager) spawnUpload(ctx context.Context, warmup bool, pendingDepth int) {
	s := &uploadStream{
		warmup: warmup,
		queue:  make(chan []byte, spec.UploadQueueSize),
		slot:   make(chan struct{}, spec.MaxPendingUploads),
	}
	streamCtx := m.initStream(ctx, &s.stream, model.DirectionUpload)
	// Each stream has its own randomness source, so buffer generation
	// never contends across streams.
	s.rnd = rand.New(rand.NewSource(time.Now().UnixNano() + s.id))
	s.pendingDepth.Store(int32(pendingDepth))
	s.lastProgress.Store(time.Now().UnixNano())
	s.fillQueue()

	m.mu.Lock()
	m.uploads[s.id] = s
	m.mu.Unlock()
	m.announce(&s.stream)

	go s.refillLoop(streamCtx)
	go s.run(streamCtx, m)
}

// run is the stream's driver loop: it pulls buffers from the queue and
// posts them, keeping the number of in-flight requests at the configured
// pending depth.
func (s *uploadStream) run(ctx context.Context, m *Manager) {
	defer m.finish(&s.stream)

	for {
		if ctx.Err() != nil {
			return
		}
		if int(s.inFlight.Load()) >= int(s.pendingDepth.Load()) {
			select {
			case <-ctx.Done():
				return
			case <-s.slot:
			}
			continue
		}
		var buf []byte
		select {
		case <-ctx.Done():
			return
		case buf = <-s.queue:
		}
		s.lastProgress.Store(time.Now().UnixNano())
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				select {
				case s.slot <- struct{}{}:
				default:
				}
			}()
			s.post(ctx, m, buf)
		}()
	}
}

// post sends one buffer, retrying transient failures. Bytes are credited
// only when the origin acknowledges with a 2xx status; a failed buffer is
// never re-counted.
func (s *uploadStream) post(ctx context.Context, m *Manager, buf []byte) {
	for attempt := 0; attempt <= spec.UploadRetries; attempt++ {
		if attempt > 0 {
			sleep(ctx, spec.UploadRetryBackoff)
		}
		if ctx.Err() != nil {
			return
		}
		if s.postOnce(ctx, m, buf, attempt) {
			s.credit(int64(len(buf)))
			s.lastProgress.Store(time.Now().UnixNano())
			return
		}
	}
	log.Debug("upload chunk dropped after retries", "id", s.id, "size", len(buf))
}

func (s *uploadStream) postOnce(ctx context.Context, m *Manager, buf []byte, attempt int) bool {
	reqCtx, cancel := context.WithTimeout(ctx, spec.UploadTimeout)
	defer cancel()

	u := m.endpoint(spec.UploadPath)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(),
		bytes.NewReader(buf))
	if err != nil {
		log.Error("cannot create upload request", "id", s.id, "error", err)
		return false
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("X-Stream-ID", fmt.Sprintf("%d", s.id))
	req.Header.Set("X-Priority", "load")
	req.Header.Set("X-Retry-Count", fmt.Sprintf("%d", attempt))

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("upload request failed", "id", s.id, "attempt", attempt,
				"error", err)
		}
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// refillLoop tops up the buffer queue whenever it runs low or no progress
// has been made for a while.
func (s *uploadStream) refillLoop(ctx context.Context) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, s.lastProgress.Load()))
			if len(s.queue) < spec.UploadQueueLowWatermark ||
				idle > spec.UploadQueueIdleRefill {
				s.fillQueue()
			}
		}
	}
}

// fillQueue fills the queue to capacity with freshly generated buffers.
func (s *uploadStream) fillQueue() {
	for {
		buf := s.nextBuffer()
		select {
		case s.queue <- buf:
		default:
			// Queue full. The generated counter was already advanced; put
			// the ramp position back.
			s.generated--
			return
		}
	}
}

// nextBuffer returns a buffer of random bytes. During a warmup the size
// ramps logarithmically from MinUploadBuffer to MaxUploadBuffer across the
// first SlowStartBuffers buffers; outside warmups it is fixed at
// MaxUploadBuffer.
func (s *uploadStream) nextBuffer() []byte {
	size := spec.MaxUploadBuffer
	if s.warmup && s.generated < spec.SlowStartBuffers {
		ratio := float64(spec.MaxUploadBuffer) / float64(spec.MinUploadBuffer)
		progress := float64(s.generated) / float64(spec.SlowStartBuffers)
		size = int(float64(spec.MinUploadBuffer) * math.Pow(ratio, progress))
		if size > spec.MaxUploadBuffer {
			size = spec.MaxUploadBuffer
		}
	}
	s.generated++
	buf := make([]byte, size)
	s.rnd.Read(buf)
	return buf
}
