// Package discovery explores the (stream count, pending depth) parameter
// space during a warmup and selects the combination that maximizes a
// combined throughput-latency score under a latency cap.
package discovery

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
)

// tuning holds the per-direction control loop parameters.
type tuning struct {
	maxStreams int
	maxPending int

	// Latency soft threshold: max(softMinMs, baseline*softMult).
	softMinMs float64
	softMult  float64
	// Latency hard cap: clamp(baseline*hardMult, hardMinMs, hardMaxMs).
	hardMult  float64
	hardMinMs float64
	hardMaxMs float64

	// stableThreshold is the number of consecutive no-change measurements
	// required to converge.
	stableThreshold int

	// Scoring weights.
	weightThroughput float64
	weightLatency    float64

	// backoffPendingBias is the probability that a backoff reduces the
	// pending depth rather than the stream count.
	backoffPendingBias float64

	fallback model.ParameterSet
}

var downloadTuning = tuning{
	maxStreams:         spec.MaxDownloadStreams,
	maxPending:         spec.MaxDownloadPending,
	softMinMs:          75,
	softMult:           1.75,
	hardMult:           2.5,
	hardMinMs:          150,
	hardMaxMs:          250,
	stableThreshold:    3,
	weightThroughput:   0.5,
	weightLatency:      0.5,
	backoffPendingBias: 0.5,
	fallback:           model.ParameterSet{Streams: 3, PendingUploads: 1},
}

var uploadTuning = tuning{
	maxStreams:         spec.MaxUploadStreams,
	maxPending:         spec.MaxPendingUploads,
	softMinMs:          100,
	softMult:           2.0,
	hardMult:           3.0,
	hardMinMs:          200,
	hardMaxMs:          400,
	stableThreshold:    2,
	weightThroughput:   0.7,
	weightLatency:      0.3,
	backoffPendingBias: 0.7,
	fallback:           model.ParameterSet{Streams: 2, PendingUploads: 2},
}

// Config configures a Discovery instance for one warmup.
type Config struct {
	// Direction selects the parameter space and tuning.
	Direction model.Direction
	// Baseline is the unloaded round-trip time measured during the
	// baseline phase.
	Baseline time.Duration
	// MinDuration is the minimum warmup duration. Defaults to
	// spec.MinWarmupDuration.
	MinDuration time.Duration
	// ScoreRatio is the fraction of the best score at which a later
	// download trial takes over as the optimal outcome. Upload selection
	// requires a strict score improvement regardless.
	ScoreRatio float64
	// ThroughputImprovement is the throughput multiple of the current best
	// trial at which a later download trial takes over as the optimal
	// outcome, whatever its score ratio.
	ThroughputImprovement float64
}

// Discovery is the parameter discovery engine for a single warmup. It owns
// its trial history and is dropped when the warmup ends.
type Discovery struct {
	config Config
	tuning tuning
	bus    *eventbus.Bus
	apply  func(context.Context, model.ParameterSet)
	rnd    *rand.Rand

	current model.ParameterSet
	trials  []model.ParameterTrial

	highLatency      int
	stable           int
	samplesAtCurrent int
	minDuration      time.Duration
	reRampAt         time.Time

	latencyMs      float64
	haveLatency    bool
	throughputMbps float64
	haveThroughput bool
}

// New returns a Discovery publishing parameter changes through apply.
func New(config Config, bus *eventbus.Bus,
	apply func(context.Context, model.ParameterSet)) *Discovery {
	if config.MinDuration == 0 {
		config.MinDuration = spec.MinWarmupDuration
	}
	if config.ScoreRatio == 0 {
		config.ScoreRatio = 0.95
	}
	if config.ThroughputImprovement == 0 {
		config.ThroughputImprovement = 1.10
	}
	t := downloadTuning
	if config.Direction == model.DirectionUpload {
		t = uploadTuning
	}
	return &Discovery{
		config:      config,
		tuning:      t,
		bus:         bus,
		apply:       apply,
		rnd:         rand.New(rand.NewSource(time.Now().UnixMilli())),
		minDuration: config.MinDuration,
	}
}

// SoftThreshold returns the latency soft threshold for this discovery.
func (d *Discovery) SoftThreshold() float64 {
	baselineMs := float64(d.config.Baseline) / float64(time.Millisecond)
	return math.Max(d.tuning.softMinMs, baselineMs*d.tuning.softMult)
}

// HardCap returns the latency hard cap for this discovery.
func (d *Discovery) HardCap() float64 {
	baselineMs := float64(d.config.Baseline) / float64(time.Millisecond)
	hard := baselineMs * d.tuning.hardMult
	if hard < d.tuning.hardMinMs {
		hard = d.tuning.hardMinMs
	}
	if hard > d.tuning.hardMaxMs {
		hard = d.tuning.hardMaxMs
	}
	return hard
}

// Run drives the control loop until convergence (or context cancellation)
// and returns the selected optimal parameters and the trial history. It
// never fails: if no trial could be recorded, the documented fallback
// parameters are returned.
func (d *Discovery) Run(ctx context.Context) (model.ParameterSet, []model.ParameterTrial) {
	topics := []eventbus.Topic{eventbus.TopicLatency}
	if d.config.Direction == model.DirectionUpload {
		topics = append(topics, eventbus.TopicThroughputUpload,
			eventbus.TopicUploadBackoff, eventbus.TopicUploadMinDuration)
	} else {
		topics = append(topics, eventbus.TopicThroughputDownload,
			eventbus.TopicDownloadBackoff)
	}
	sub := d.bus.Subscribe(topics...)
	defer sub.Close()

	start := time.Now()
	d.current = model.ParameterSet{Streams: 1, PendingUploads: 1}
	d.apply(ctx, d.current)

	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.StabilizationDelay * 2 / 3,
		Expected: spec.StabilizationDelay,
		Max:      spec.StabilizationDelay * 2,
	})
	// This can only error if the interval constants are invalid.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.finish()
		case ev := <-sub.C:
			d.handleEvent(ctx, ev)
		case <-ticker.C:
			if !d.reRampAt.IsZero() && time.Now().After(d.reRampAt) {
				d.reRampAt = time.Time{}
				if d.increase(ctx) {
					d.stable = 0
				}
			}
			d.step(ctx)
			if d.stable >= d.tuning.stableThreshold &&
				time.Since(start) >= d.minDuration {
				return d.finish()
			}
		}
	}
}

// handleEvent folds a bus event into the discovery's latest measurements.
func (d *Discovery) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch payload := ev.Payload.(type) {
	case model.LatencySample:
		d.latencyMs = payload.RTTMilliseconds()
		d.haveLatency = true
	case model.ThroughputSample:
		d.throughputMbps = payload.Mbps
		d.haveThroughput = true
	case model.BackoffEvent:
		d.forceBackoff(ctx, payload.Factor)
	case model.MinDurationEvent:
		log.Info("warmup minimum duration overridden",
			"direction", d.config.Direction, "minDuration", payload.MinDuration)
		d.minDuration = payload.MinDuration
	}
}

// step consumes the latest combined measurement and adjusts one parameter.
func (d *Discovery) step(ctx context.Context) {
	if !d.haveLatency || !d.haveThroughput {
		return
	}
	d.trials = append(d.trials, model.ParameterTrial{
		Params:         d.current,
		ThroughputMbps: d.throughputMbps,
		LatencyMs:      d.latencyMs,
		Time:           time.Now(),
	})
	d.samplesAtCurrent++

	changed := false
	if d.latencyMs > d.SoftThreshold() {
		d.highLatency++
		if d.latencyMs > d.HardCap() || d.highLatency >= 3 {
			changed = d.backOff(ctx)
			// Not zero: a single good sample must not immediately re-ramp.
			d.highLatency = 2
		}
	} else {
		if d.highLatency > 0 {
			d.highLatency--
		}
		if d.samplesAtCurrent >= 2 {
			changed = d.increase(ctx)
		}
	}

	if changed {
		d.stable = 0
		d.samplesAtCurrent = 0
	} else {
		d.stable++
	}
}

// backOff takes one parameter one step down, choosing which one at random
// with the per-direction bias. Parameters never go below 1. Returns whether
// anything changed.
func (d *Discovery) backOff(ctx context.Context) bool {
	next := d.current
	pendingFirst := d.rnd.Float64() < d.tuning.backoffPendingBias
	switch {
	case pendingFirst && next.PendingUploads > 1:
		next.PendingUploads--
	case next.Streams > 1:
		next.Streams--
	case next.PendingUploads > 1:
		next.PendingUploads--
	default:
		return false
	}
	log.Debug("discovery backing off", "direction", d.config.Direction,
		"params", next, "latency", d.latencyMs)
	d.setParams(ctx, next)
	return true
}

// increase takes one parameter one step up, following the per-direction
// preference order. Returns false when both parameters are at their
// bounds.
func (d *Discovery) increase(ctx context.Context) bool {
	next := d.current
	if d.config.Direction == model.DirectionUpload {
		switch {
		case next.PendingUploads < 2:
			next.PendingUploads++
		case next.Streams < d.tuning.maxStreams:
			next.Streams++
		case next.PendingUploads < d.tuning.maxPending:
			next.PendingUploads++
		default:
			return false
		}
	} else {
		switch {
		case next.Streams < d.tuning.maxStreams:
			next.Streams++
		case next.PendingUploads < d.tuning.maxPending:
			next.PendingUploads++
		default:
			return false
		}
	}
	log.Debug("discovery ramping up", "direction", d.config.Direction, "params", next)
	d.setParams(ctx, next)
	return true
}

// forceBackoff scales one parameter by factor and schedules an automatic
// one-step re-ramp.
func (d *Discovery) forceBackoff(ctx context.Context, factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	next := d.current
	scale := func(v int) int {
		scaled := int(math.Ceil(float64(v) * factor))
		if scaled < 1 {
			return 1
		}
		return scaled
	}
	pendingFirst := d.rnd.Float64() < d.tuning.backoffPendingBias
	if pendingFirst && scale(next.PendingUploads) < next.PendingUploads {
		next.PendingUploads = scale(next.PendingUploads)
	} else if scale(next.Streams) < next.Streams {
		next.Streams = scale(next.Streams)
	} else if scale(next.PendingUploads) < next.PendingUploads {
		next.PendingUploads = scale(next.PendingUploads)
	} else {
		return
	}
	log.Info("forced backoff", "direction", d.config.Direction,
		"factor", factor, "params", next)
	d.setParams(ctx, next)
	d.stable = 0
	d.reRampAt = time.Now().Add(spec.ReRampDelay)
}

func (d *Discovery) setParams(ctx context.Context, params model.ParameterSet) {
	d.current = params
	d.samplesAtCurrent = 0
	d.apply(ctx, params)
}

// finish selects the optimal parameters from the trial history: the best
// trial by score is tagged as the optimal outcome, and the parameters of
// the trial immediately preceding it (the causal parameters whose
// application produced that outcome) are returned. If the best trial is
// the first one, its own parameters are returned.
func (d *Discovery) finish() (model.ParameterSet, []model.ParameterTrial) {
	if len(d.trials) == 0 {
		log.Warn("discovery recorded no trials, using fallback parameters",
			"direction", d.config.Direction, "fallback", d.tuning.fallback)
		return d.tuning.fallback, nil
	}

	best := 0
	bestScore := d.score(d.trials[0])
	for i := 1; i < len(d.trials); i++ {
		s := d.score(d.trials[i])
		if s > bestScore {
			best, bestScore = i, s
			continue
		}
		// Download selection also moves the optimum to a later trial that
		// is near-tied on score or whose raw throughput improves enough.
		// Both thresholds are configuration knobs.
		if d.config.Direction == model.DirectionDownload &&
			(s >= d.config.ScoreRatio*bestScore ||
				d.trials[i].ThroughputMbps >= d.config.ThroughputImprovement*d.trials[best].ThroughputMbps) {
			best, bestScore = i, s
		}
	}

	d.trials[best].IsOptimalOutcome = true
	selected := best
	if best > 0 {
		selected = best - 1
		d.trials[selected].CausedOptimalOutcome = true
	}
	log.Info("discovery converged", "direction", d.config.Direction,
		"params", d.trials[selected].Params, "trials", len(d.trials))
	return d.trials[selected].Params, d.trials
}

// score combines a trial's throughput and latency into a single value.
// Latency above the soft threshold progressively cancels the latency
// bonus.
func (d *Discovery) score(t model.ParameterTrial) float64 {
	bonus := math.Max(0, 1-t.LatencyMs/d.SoftThreshold())
	return d.tuning.weightThroughput*t.ThroughputMbps +
		d.tuning.weightLatency*bonus*t.ThroughputMbps
}
