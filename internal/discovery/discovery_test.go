package discovery

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
)

// applyRecorder records every parameter set applied by discovery.
type applyRecorder struct {
	mu      sync.Mutex
	applied []model.ParameterSet
}

func (a *applyRecorder) apply(ctx context.Context, p model.ParameterSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, p)
}

func (a *applyRecorder) last() model.ParameterSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.applied) == 0 {
		return model.ParameterSet{}
	}
	return a.applied[len(a.applied)-1]
}

func newTestDiscovery(direction model.Direction, baseline time.Duration) (*Discovery, *applyRecorder) {
	rec := &applyRecorder{}
	d := New(Config{Direction: direction, Baseline: baseline}, eventbus.New(), rec.apply)
	d.current = model.ParameterSet{Streams: 1, PendingUploads: 1}
	return d, rec
}

func TestDiscovery_Thresholds(t *testing.T) {
	// With a 20ms baseline the download soft threshold is the 75ms floor
	// and the hard cap is clamped up to 150ms.
	d, _ := newTestDiscovery(model.DirectionDownload, 20*time.Millisecond)
	if got := d.SoftThreshold(); got != 75 {
		t.Errorf("download SoftThreshold() = %f, want 75", got)
	}
	if got := d.HardCap(); got != 150 {
		t.Errorf("download HardCap() = %f, want 150", got)
	}

	u, _ := newTestDiscovery(model.DirectionUpload, 20*time.Millisecond)
	if got := u.SoftThreshold(); got != 100 {
		t.Errorf("upload SoftThreshold() = %f, want 100", got)
	}
	if got := u.HardCap(); got != 200 {
		t.Errorf("upload HardCap() = %f, want 200", got)
	}

	// A high baseline moves both thresholds off their floors.
	h, _ := newTestDiscovery(model.DirectionDownload, 80*time.Millisecond)
	if got := h.SoftThreshold(); got != 140 {
		t.Errorf("SoftThreshold() = %f, want 140", got)
	}
	if got := h.HardCap(); got != 200 {
		t.Errorf("HardCap() = %f, want 200", got)
	}
}

func TestDiscovery_CausalLookBack(t *testing.T) {
	// Baseline chosen so the soft threshold is 100ms; the baseline is
	// truncated to whole nanoseconds, so the threshold is 100ms to within
	// floating-point rounding rather than exactly.
	baselineMs := float64(100*time.Millisecond) / 1.75
	baseline := time.Duration(baselineMs)
	d, _ := newTestDiscovery(model.DirectionDownload, baseline)
	if got := d.SoftThreshold(); math.Abs(got-100) > 1e-6 {
		t.Fatalf("SoftThreshold() = %f, want 100", got)
	}

	d.trials = []model.ParameterTrial{
		{Params: model.ParameterSet{Streams: 1, PendingUploads: 1}, ThroughputMbps: 50, LatencyMs: 25},
		{Params: model.ParameterSet{Streams: 2, PendingUploads: 1}, ThroughputMbps: 95, LatencyMs: 30},
		{Params: model.ParameterSet{Streams: 3, PendingUploads: 1}, ThroughputMbps: 180, LatencyMs: 35},
		{Params: model.ParameterSet{Streams: 4, PendingUploads: 1}, ThroughputMbps: 190, LatencyMs: 120},
	}
	params, trials := d.finish()

	want := model.ParameterSet{Streams: 2, PendingUploads: 1}
	if params != want {
		t.Errorf("finish() selected %+v, want %+v", params, want)
	}
	if !trials[2].IsOptimalOutcome {
		t.Error("trial 3 not tagged as optimal outcome")
	}
	if !trials[1].CausedOptimalOutcome {
		t.Error("trial 2 not tagged as causal")
	}
	optimal, causal := 0, 0
	for _, trial := range trials {
		if trial.IsOptimalOutcome {
			optimal++
		}
		if trial.CausedOptimalOutcome {
			causal++
		}
	}
	if optimal != 1 || causal != 1 {
		t.Errorf("tagged %d optimal and %d causal trials, want 1 and 1", optimal, causal)
	}
}

func TestDiscovery_BestFirstTrialReturnsOwnParams(t *testing.T) {
	d, _ := newTestDiscovery(model.DirectionUpload, 20*time.Millisecond)
	d.trials = []model.ParameterTrial{
		{Params: model.ParameterSet{Streams: 1, PendingUploads: 1}, ThroughputMbps: 100, LatencyMs: 20},
		{Params: model.ParameterSet{Streams: 2, PendingUploads: 1}, ThroughputMbps: 10, LatencyMs: 500},
	}
	params, trials := d.finish()
	if want := (model.ParameterSet{Streams: 1, PendingUploads: 1}); params != want {
		t.Errorf("finish() selected %+v, want %+v", params, want)
	}
	if !trials[0].IsOptimalOutcome {
		t.Error("first trial not tagged as optimal outcome")
	}
	if trials[0].CausedOptimalOutcome || trials[1].CausedOptimalOutcome {
		t.Error("causal tag present although the optimal outcome is the first trial")
	}
}

func TestDiscovery_UploadRampPrefersPendingDepth(t *testing.T) {
	d, rec := newTestDiscovery(model.DirectionUpload, 20*time.Millisecond)
	ctx := context.Background()
	d.haveLatency = true
	d.haveThroughput = true
	d.latencyMs = 10
	d.throughputMbps = 50

	// Two samples at the starting parameters, then the ramp goes to
	// pending depth 2 first.
	d.step(ctx)
	d.step(ctx)
	if want := (model.ParameterSet{Streams: 1, PendingUploads: 2}); rec.last() != want {
		t.Fatalf("first ramp applied %+v, want %+v", rec.last(), want)
	}
	// Then the stream count.
	d.step(ctx)
	d.step(ctx)
	if want := (model.ParameterSet{Streams: 2, PendingUploads: 2}); rec.last() != want {
		t.Errorf("second ramp applied %+v, want %+v", rec.last(), want)
	}
}

func TestDiscovery_DownloadRampPrefersStreams(t *testing.T) {
	d, rec := newTestDiscovery(model.DirectionDownload, 20*time.Millisecond)
	ctx := context.Background()
	d.haveLatency = true
	d.haveThroughput = true
	d.latencyMs = 10
	d.throughputMbps = 50

	d.step(ctx)
	d.step(ctx)
	if want := (model.ParameterSet{Streams: 2, PendingUploads: 1}); rec.last() != want {
		t.Errorf("ramp applied %+v, want %+v", rec.last(), want)
	}
}

func TestDiscovery_HardCapBacksOffImmediately(t *testing.T) {
	d, rec := newTestDiscovery(model.DirectionDownload, 20*time.Millisecond)
	ctx := context.Background()
	d.current = model.ParameterSet{Streams: 4, PendingUploads: 1}
	d.haveLatency = true
	d.haveThroughput = true
	d.latencyMs = 300 // above the 150ms hard cap
	d.throughputMbps = 100

	d.step(ctx)
	if want := (model.ParameterSet{Streams: 3, PendingUploads: 1}); rec.last() != want {
		t.Errorf("backoff applied %+v, want %+v", rec.last(), want)
	}
	if d.highLatency != 2 {
		t.Errorf("highLatency = %d after backoff, want 2", d.highLatency)
	}
}

func TestDiscovery_SustainedSoftLatencyBacksOff(t *testing.T) {
	d, rec := newTestDiscovery(model.DirectionDownload, 20*time.Millisecond)
	ctx := context.Background()
	d.current = model.ParameterSet{Streams: 4, PendingUploads: 1}
	d.haveLatency = true
	d.haveThroughput = true
	d.latencyMs = 100 // above soft (75), below hard (150)
	d.throughputMbps = 100

	d.step(ctx)
	d.step(ctx)
	if len(rec.applied) != 0 {
		t.Fatalf("backed off after %d high samples, want 3", d.highLatency)
	}
	d.step(ctx)
	if want := (model.ParameterSet{Streams: 3, PendingUploads: 1}); rec.last() != want {
		t.Errorf("backoff applied %+v, want %+v", rec.last(), want)
	}
}

func TestDiscovery_ParametersNeverBelowOne(t *testing.T) {
	d, rec := newTestDiscovery(model.DirectionUpload, 20*time.Millisecond)
	ctx := context.Background()
	d.haveLatency = true
	d.haveThroughput = true
	d.latencyMs = 1000
	d.throughputMbps = 1

	for i := 0; i < 10; i++ {
		d.step(ctx)
	}
	for _, p := range rec.applied {
		if p.Streams < 1 || p.PendingUploads < 1 {
			t.Fatalf("applied out-of-bounds parameters %+v", p)
		}
	}
	if d.current != (model.ParameterSet{Streams: 1, PendingUploads: 1}) {
		t.Errorf("current = %+v, want (1,1)", d.current)
	}
}

func TestDiscovery_ForcedBackoffScalesOneParameter(t *testing.T) {
	d, rec := newTestDiscovery(model.DirectionDownload, 20*time.Millisecond)
	ctx := context.Background()
	d.current = model.ParameterSet{Streams: 8, PendingUploads: 1}

	d.forceBackoff(ctx, 0.5)
	if want := (model.ParameterSet{Streams: 4, PendingUploads: 1}); rec.last() != want {
		t.Errorf("forced backoff applied %+v, want %+v", rec.last(), want)
	}
	if d.reRampAt.IsZero() {
		t.Error("no re-ramp scheduled after forced backoff")
	}

	// A factor that cannot reduce anything is a no-op.
	d.current = model.ParameterSet{Streams: 1, PendingUploads: 1}
	before := len(rec.applied)
	d.forceBackoff(ctx, 0.9)
	if len(rec.applied) != before {
		t.Error("forced backoff changed minimal parameters")
	}
}

func TestDiscovery_FallbackParameters(t *testing.T) {
	d, _ := newTestDiscovery(model.DirectionDownload, 20*time.Millisecond)
	params, trials := d.finish()
	if want := (model.ParameterSet{Streams: 3, PendingUploads: 1}); params != want {
		t.Errorf("download fallback = %+v, want %+v", params, want)
	}
	if trials != nil {
		t.Errorf("fallback returned %d trials", len(trials))
	}

	u, _ := newTestDiscovery(model.DirectionUpload, 20*time.Millisecond)
	params, _ = u.finish()
	if want := (model.ParameterSet{Streams: 2, PendingUploads: 2}); params != want {
		t.Errorf("upload fallback = %+v, want %+v", params, want)
	}
}

func TestDiscovery_RunConvergesUnderStableBloat(t *testing.T) {
	bus := eventbus.New()
	rec := &applyRecorder{}
	d := New(Config{
		Direction:   model.DirectionDownload,
		Baseline:    20 * time.Millisecond,
		MinDuration: 500 * time.Millisecond,
	}, bus, rec.apply)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Pump measurements that sit between the soft threshold and the hard
	// cap: discovery holds its parameters and converges once the minimum
	// duration has elapsed.
	go func() {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				bus.Publish(eventbus.TopicLatency, model.LatencySample{
					SendTime: time.Now(),
					RTT:      100 * time.Millisecond,
					Phase:    model.PhaseDownloadWarmup,
				})
				bus.Publish(eventbus.TopicThroughputDownload, model.ThroughputSample{
					Time:      time.Now(),
					Direction: model.DirectionDownload,
					Mbps:      100,
					Phase:     model.PhaseDownloadWarmup,
				})
			}
		}
	}()

	start := time.Now()
	params, trials := d.Run(ctx)
	if ctx.Err() != nil {
		t.Fatal("discovery did not converge before the context expired")
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("converged after %s, before the minimum duration", elapsed)
	}
	if params.Streams < 1 || params.PendingUploads < 1 {
		t.Errorf("converged on invalid parameters %+v", params)
	}
	if len(trials) == 0 {
		t.Error("no trials recorded")
	}
}
