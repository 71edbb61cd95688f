package streams

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
)

// Manager creates, tracks and terminates load streams. The registry is two
// maps keyed by stream id, one per direction. Ids are monotonic and never
// reused. All registry mutations happen under a single mutex and never span
// a blocking operation.
type Manager struct {
	baseURL   *url.URL
	client    *http.Client
	bus       *eventbus.Bus
	userAgent string
	mid       string
	phase     func() model.Phase

	mu        sync.Mutex
	nextID    int64
	downloads map[int64]*downloadStream
	uploads   map[int64]*uploadStream

	// residual accumulates bytes credited by streams that were terminated
	// before the monitor's next collection, so that no interval loses
	// bytes.
	residualDownload int64
	residualUpload   int64
}

// NewManager returns a Manager issuing requests against baseURL with the
// given http.Client. Events are published on bus. The mid identifies the
// session on the wire.
func NewManager(baseURL *url.URL, client *http.Client, bus *eventbus.Bus,
	userAgent, mid string) *Manager {
	return &Manager{
		baseURL:   baseURL,
		client:    client,
		bus:       bus,
		userAgent: userAgent,
		mid:       mid,
		phase:     func() model.Phase { return model.PhaseBaseline },
		downloads: map[int64]*downloadStream{},
		uploads:   map[int64]*uploadStream{},
	}
}

// SetPhaseProvider configures the function used to stamp new streams with
// their owning phase. Must be called before any stream is started.
func (m *Manager) SetPhaseProvider(f func() model.Phase) {
	m.phase = f
}

// endpoint returns a copy of the base URL pointing at path, with the mid and
// a cache-defeating parameter on the querystring.
func (m *Manager) endpoint(path string) *url.URL {
	u := *m.baseURL
	u.Path = path
	q := u.Query()
	q.Set("mid", m.mid)
	q.Set("t", fmt.Sprintf("%d", time.Now().UnixNano()))
	u.RawQuery = q.Encode()
	return &u
}

// StartDownloadSaturation spawns params.Streams download streams, pausing
// between spawns. During a warmup the spawned streams may later be scaled by
// ApplyDownloadParams.
func (m *Manager) StartDownloadSaturation(ctx context.Context, warmup bool,
	params model.ParameterSet) {
	for i := 0; i < params.Streams; i++ {
		if ctx.Err() != nil {
			return
		}
		m.spawnDownload(ctx, warmup, 0)
		sleep(ctx, spec.StreamSpawnDelay)
	}
}

// StartUploadSaturation spawns params.Streams upload streams, each keeping
// up to params.PendingUploads requests in flight and starting with its own
// freshly filled buffer queue.
func (m *Manager) StartUploadSaturation(ctx context.Context, warmup bool,
	params model.ParameterSet) {
	for i := 0; i < params.Streams; i++ {
		if ctx.Err() != nil {
			return
		}
		m.spawnUpload(ctx, warmup, params.PendingUploads)
		sleep(ctx, spec.StreamSpawnDelay)
	}
}

// StartBidirectionalSaturation starts download saturation, pauses, then
// starts upload saturation.
func (m *Manager) StartBidirectionalSaturation(ctx context.Context,
	download, upload model.ParameterSet) {
	m.StartDownloadSaturation(ctx, false, download)
	sleep(ctx, spec.BidirectionalGap)
	m.StartUploadSaturation(ctx, false, upload)
}

// ApplyDownloadParams scales running download saturation to match params,
// spawning or terminating streams as needed. Used by parameter discovery
// while a warmup is in progress.
func (m *Manager) ApplyDownloadParams(ctx context.Context, warmup bool,
	params model.ParameterSet) {
	m.mu.Lock()
	current := len(m.downloads)
	var excess []int64
	if current > params.Streams {
		excess = newestIDs(m.downloads, current-params.Streams)
	}
	m.mu.Unlock()

	for _, id := range excess {
		m.TerminateStream(id, model.DirectionDownload)
	}
	for i := current; i < params.Streams; i++ {
		if ctx.Err() != nil {
			return
		}
		m.spawnDownload(ctx, warmup, 0)
		sleep(ctx, spec.StreamSpawnDelay)
	}
}

// ApplyUploadParams scales running upload saturation to match params. The
// pending depth of existing streams is adjusted live; the stream count is
// scaled by spawning or terminating streams.
func (m *Manager) ApplyUploadParams(ctx context.Context, warmup bool,
	params model.ParameterSet) {
	m.mu.Lock()
	for _, s := range m.uploads {
		s.pendingDepth.Store(int32(params.PendingUploads))
	}
	current := len(m.uploads)
	var excess []int64
	if current > params.Streams {
		excess = newestIDs(m.uploads, current-params.Streams)
	}
	m.mu.Unlock()

	for _, id := range excess {
		m.TerminateStream(id, model.DirectionUpload)
	}
	for i := current; i < params.Streams; i++ {
		if ctx.Err() != nil {
			return
		}
		m.spawnUpload(ctx, warmup, params.PendingUploads)
		sleep(ctx, spec.StreamSpawnDelay)
	}
}

// TerminateStream aborts the stream's requests, marks it inactive, removes
// it from the registry and publishes a terminated event. It is idempotent:
// terminating an unknown or already-terminated stream is a no-op.
func (m *Manager) TerminateStream(id int64, direction model.Direction) {
	m.mu.Lock()
	var s *stream
	switch direction {
	case model.DirectionDownload:
		if ds, ok := m.downloads[id]; ok {
			s = &ds.stream
		}
	case model.DirectionUpload:
		if us, ok := m.uploads[id]; ok {
			s = &us.stream
		}
	}
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.removeLocked(s)
	m.mu.Unlock()

	// Cancellation is non-blocking and never propagates an error: the
	// stream's goroutines observe the canceled context and wind down on
	// their own.
	s.cancel()
	m.bus.Publish(eventbus.TopicStreamLifecycle, model.StreamEvent{
		Type:      model.StreamTerminated,
		StreamID:  s.id,
		Direction: s.direction,
		Timestamp: time.Now(),
	})
}

// TerminateAll terminates every registered stream. If any stream survives,
// the registry is forcibly reset.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	ids := make([]model.StreamEvent, 0, len(m.downloads)+len(m.uploads))
	for id := range m.downloads {
		ids = append(ids, model.StreamEvent{StreamID: id, Direction: model.DirectionDownload})
	}
	for id := range m.uploads {
		ids = append(ids, model.StreamEvent{StreamID: id, Direction: model.DirectionUpload})
	}
	m.mu.Unlock()

	for _, s := range ids {
		m.TerminateStream(s.StreamID, s.Direction)
	}
	if m.ActiveCounts().Total != 0 {
		log.Warn("streams still registered after terminate_all, resetting registry")
		m.Reset()
	}
}

// Reset forcibly empties the registry, canceling any stream still present,
// and publishes a reset event.
func (m *Manager) Reset() {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, s := range m.downloads {
		s.active.Store(false)
		m.flushResidualLocked(&s.stream)
		cancels = append(cancels, s.cancel)
	}
	for _, s := range m.uploads {
		s.active.Store(false)
		m.flushResidualLocked(&s.stream)
		cancels = append(cancels, s.cancel)
	}
	m.downloads = map[int64]*downloadStream{}
	m.uploads = map[int64]*uploadStream{}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.bus.Publish(eventbus.TopicStreamReset, model.ResetEvent{Timestamp: time.Now()})
}

// ActiveCounts returns the number of registered streams per direction.
func (m *Manager) ActiveCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counts{
		Download: len(m.downloads),
		Upload:   len(m.uploads),
	}
	c.Total = c.Download + c.Upload
	return c
}

// CollectDeltas returns the bytes credited per direction since the previous
// call, including bytes from streams terminated in the meantime.
func (m *Manager) CollectDeltas() (download, upload int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	download = m.residualDownload
	upload = m.residualUpload
	m.residualDownload = 0
	m.residualUpload = 0
	for _, s := range m.downloads {
		total := s.bytes.Load()
		download += total - s.sampled
		s.sampled = total
	}
	for _, s := range m.uploads {
		total := s.bytes.Load()
		upload += total - s.sampled
		s.sampled = total
	}
	return download, upload
}

// initStream fills in a freshly allocated stream's common fields and
// assigns it the next monotonic id. Returns the context the stream's
// goroutines must run under.
func (m *Manager) initStream(ctx context.Context, s *stream, direction model.Direction) context.Context {
	streamCtx, cancel := context.WithCancel(ctx)
	s.direction = direction
	s.createdAt = time.Now()
	s.phase = m.phase()
	s.cancel = cancel
	s.active.Store(true)

	m.mu.Lock()
	m.nextID++
	s.id = m.nextID
	m.mu.Unlock()
	return streamCtx
}

// announce publishes the created event for a freshly registered stream.
func (m *Manager) announce(s *stream) {
	log.Debug("stream created", "id", s.id, "direction", s.direction, "phase", s.phase)
	m.bus.Publish(eventbus.TopicStreamLifecycle, model.StreamEvent{
		Type:      model.StreamCreated,
		StreamID:  s.id,
		Direction: s.direction,
		Timestamp: s.createdAt,
	})
}

// removeLocked marks a stream inactive, freezes its counter into the
// residual accumulator and deletes it from the registry. Callers hold m.mu.
func (m *Manager) removeLocked(s *stream) {
	s.active.Store(false)
	m.flushResidualLocked(s)
	switch s.direction {
	case model.DirectionDownload:
		delete(m.downloads, s.id)
	case model.DirectionUpload:
		delete(m.uploads, s.id)
	}
}

func (m *Manager) flushResidualLocked(s *stream) {
	delta := s.bytes.Load() - s.sampled
	s.sampled = s.bytes.Load()
	switch s.direction {
	case model.DirectionDownload:
		m.residualDownload += delta
	case model.DirectionUpload:
		m.residualUpload += delta
	}
}

// finish handles a stream exiting on its own (body end or transport error):
// the stream is unregistered as if terminated. Calling finish on a stream
// already removed by TerminateStream is a no-op.
func (m *Manager) finish(s *stream) {
	m.mu.Lock()
	var registered bool
	switch s.direction {
	case model.DirectionDownload:
		_, registered = m.downloads[s.id]
	case model.DirectionUpload:
		_, registered = m.uploads[s.id]
	}
	if registered {
		m.removeLocked(s)
	}
	m.mu.Unlock()
	if !registered {
		return
	}
	s.cancel()
	m.bus.Publish(eventbus.TopicStreamLifecycle, model.StreamEvent{
		Type:      model.StreamTerminated,
		StreamID:  s.id,
		Direction: s.direction,
		Timestamp: time.Now(),
	})
}

// newestIDs returns the n highest stream ids in reg.
func newestIDs[T any](reg map[int64]*T, n int) []int64 {
	ids := make([]int64, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	// Highest ids first.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] > ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

// sleep pauses for d or until the context is canceled.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
