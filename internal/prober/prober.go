// Package prober measures round-trip latency on an independent cadence,
// concurrently with any load the session applies. Probes are plain GET
// requests against the ping endpoint; timed-out probes produce synthetic
// samples, and sustained timeouts during a warmup ask parameter discovery
// to back off.
package prober

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
)

// PhaseSource supplies the current phase for sample tagging.
type PhaseSource interface {
	Current() model.Phase
}

// Prober issues latency probes at a fixed cadence. It runs on its own
// goroutine; all its state is confined to the Run loop and it communicates
// only through the bus.
type Prober struct {
	// Interval is the probe cadence.
	Interval time.Duration
	// MinTimeout is the base probe timeout.
	MinTimeout time.Duration
	// MaxTimeout caps the adaptive probe timeout.
	MaxTimeout time.Duration

	bus       *eventbus.Bus
	client    *http.Client
	baseURL   *url.URL
	phase     PhaseSource
	userAgent string
	mid       string

	// consecutiveTimeouts is only touched by the Run loop.
	consecutiveTimeouts int
	results             chan probeResult
}

type probeResult struct {
	sendTime time.Time
	rtt      time.Duration
	timeout  bool
	phase    model.Phase
}

// New returns a Prober probing baseURL's ping endpoint with the default
// cadence and timeouts.
func New(bus *eventbus.Bus, client *http.Client, baseURL *url.URL,
	phase PhaseSource, userAgent, mid string) *Prober {
	return &Prober{
		Interval:   spec.ProbeInterval,
		MinTimeout: spec.MinProbeTimeout,
		MaxTimeout: spec.MaxProbeTimeout,
		bus:        bus,
		client:     client,
		baseURL:    baseURL,
		phase:      phase,
		userAgent:  userAgent,
		mid:        mid,
		results:    make(chan probeResult, 64),
	}
}

// Run probes until the context is canceled. Probes overlap when the
// round-trip time exceeds the cadence; results are processed in completion
// order.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			timeout := p.MinTimeout +
				time.Duration(p.consecutiveTimeouts)*spec.ProbeTimeoutStep
			if timeout > p.MaxTimeout {
				timeout = p.MaxTimeout
			}
			go p.probe(ctx, timeout, p.phase.Current())
		case res := <-p.results:
			p.record(res)
		}
	}
}

// probe issues a single ping and reports its outcome on p.results. Any
// failure counts as a timeout: the prober never aborts the session.
func (p *Prober) probe(ctx context.Context, timeout time.Duration, phase model.Phase) {
	sendTime := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *p.baseURL
	u.Path = spec.PingPath
	q := u.Query()
	q.Set("mid", p.mid)
	q.Set("t", fmt.Sprintf("%d", sendTime.UnixNano()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.Error("cannot create probe request", "error", err)
		return
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	res := probeResult{sendTime: sendTime, phase: phase}
	resp, err := p.client.Do(req)
	if err != nil {
		res.timeout = true
	} else {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		res.rtt = time.Since(sendTime)
	}
	if ctx.Err() != nil {
		// Session over; nobody is reading results anymore.
		return
	}
	select {
	case p.results <- res:
	case <-ctx.Done():
	}
}

// record turns a probe outcome into a published LatencySample, maintaining
// the consecutive-timeouts counter and requesting forced backoffs during
// warmups.
func (p *Prober) record(res probeResult) {
	sample := model.LatencySample{
		SendTime: res.sendTime,
		RTT:      res.rtt,
		Phase:    res.phase,
	}
	if res.timeout {
		p.consecutiveTimeouts++
		sample.Timeout = true
		synthetic := spec.MinProbeTimeout +
			time.Duration(p.consecutiveTimeouts)*spec.SyntheticRTTStep
		if synthetic > spec.MaxProbeTimeout {
			synthetic = spec.MaxProbeTimeout
		}
		sample.RTT = synthetic
	} else {
		p.consecutiveTimeouts = 0
	}
	sample.ConsecutiveTimeouts = p.consecutiveTimeouts
	p.bus.Publish(eventbus.TopicLatency, sample)

	if res.timeout && p.consecutiveTimeouts >= spec.ForceBackoffTimeouts {
		switch p.phase.Current() {
		case model.PhaseDownloadWarmup:
			log.Warn("sustained probe timeouts, requesting download backoff",
				"timeouts", p.consecutiveTimeouts)
			p.bus.Publish(eventbus.TopicDownloadBackoff,
				model.BackoffEvent{Factor: spec.DownloadBackoffFactor})
			p.consecutiveTimeouts = spec.TimeoutCounterReset
		case model.PhaseUploadWarmup:
			log.Warn("sustained probe timeouts, requesting upload backoff",
				"timeouts", p.consecutiveTimeouts)
			p.bus.Publish(eventbus.TopicUploadBackoff,
				model.BackoffEvent{Factor: spec.UploadBackoffFactor})
			p.consecutiveTimeouts = spec.TimeoutCounterReset
		}
	}
}
