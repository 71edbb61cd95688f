// Package monitor computes instantaneous per-direction throughput from the
// stream manager's byte counters and tags each sample with the current
// phase.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
)

// Collector supplies the per-direction byte deltas accumulated since the
// previous collection.
type Collector interface {
	CollectDeltas() (download, upload int64)
}

// PhaseSource supplies the current phase for sample tagging.
type PhaseSource interface {
	Current() model.Phase
}

// Monitor samples throughput on a fixed cadence and publishes the tagged
// samples on the bus.
type Monitor struct {
	bus       *eventbus.Bus
	collector Collector
	phase     PhaseSource
	interval  time.Duration

	mu       sync.Mutex
	download []model.ThroughputSample
	upload   []model.ThroughputSample

	smoothedDownload float64
	smoothedUpload   float64
	initialized      bool
}

// New returns a Monitor sampling collector every interval.
func New(bus *eventbus.Bus, collector Collector, phase PhaseSource,
	interval time.Duration) *Monitor {
	return &Monitor{
		bus:       bus,
		collector: collector,
		phase:     phase,
		interval:  interval,
	}
}

// Run samples until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.sample(now, now.Sub(last))
			last = now
		}
	}
}

// sample collects both directions' deltas and emits one sample per
// direction. The sample reflects only bytes credited before the sampling
// instant.
func (m *Monitor) sample(now time.Time, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	download, upload := m.collector.CollectDeltas()
	phase := m.phase.Current()

	m.mu.Lock()
	downloadSample := m.makeSample(now, elapsed, model.DirectionDownload, download, phase)
	uploadSample := m.makeSample(now, elapsed, model.DirectionUpload, upload, phase)
	m.initialized = true
	m.download = append(m.download, downloadSample)
	m.upload = append(m.upload, uploadSample)
	m.mu.Unlock()

	m.bus.Publish(eventbus.TopicThroughputDownload, downloadSample)
	m.bus.Publish(eventbus.TopicThroughputUpload, uploadSample)
}

func (m *Monitor) makeSample(now time.Time, elapsed time.Duration,
	direction model.Direction, bytes int64, phase model.Phase) model.ThroughputSample {
	mbps := float64(bytes) * 8 / (elapsed.Seconds() * 1e6)

	smoothed := &m.smoothedDownload
	if direction == model.DirectionUpload {
		smoothed = &m.smoothedUpload
	}
	if !m.initialized {
		*smoothed = mbps
	} else {
		*smoothed = spec.SmoothingAlpha*mbps + (1-spec.SmoothingAlpha)*(*smoothed)
	}

	return model.ThroughputSample{
		Time:       now,
		Direction:  direction,
		Mbps:       mbps,
		Smoothed:   *smoothed,
		Bytes:      bytes,
		Phase:      phase,
		OutOfPhase: bytes > 0 && !phase.Exercises(direction),
	}
}

// DownloadSeries returns the full download series since the session
// started.
func (m *Monitor) DownloadSeries() []model.ThroughputSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := make([]model.ThroughputSample, len(m.download))
	copy(series, m.download)
	return series
}

// UploadSeries returns the full upload series since the session started.
func (m *Monitor) UploadSeries() []model.ThroughputSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := make([]model.ThroughputSample, len(m.upload))
	copy(series, m.upload)
	return series
}
