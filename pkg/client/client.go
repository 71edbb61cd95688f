// Package client implements the bloat1 measurement engine: a single
// time-bounded session that measures how much latency a connection gains
// under download, upload and bidirectional saturation.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/discovery"
	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/internal/monitor"
	"github.com/m-lab/bloat/internal/persistence"
	"github.com/m-lab/bloat/internal/phases"
	"github.com/m-lab/bloat/internal/prober"
	"github.com/m-lab/bloat/internal/streams"
	"github.com/m-lab/bloat/internal/wsfeed"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
	"github.com/m-lab/bloat/pkg/version"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/montanaflynn/stats"
)

const (
	// DefaultScheme is the default URL scheme for a new Client.
	DefaultScheme = "https"

	libraryName = "bloat-client"
)

var (
	// ErrNoTargets is returned if all Locate targets have been tried.
	ErrNoTargets = errors.New("no targets available")

	libraryVersion = version.Version
)

// Locator is an interface used to get a list of available servers to test
// against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Client is a client for the bloat1 protocol. A Client runs a single
// measurement session at a time.
type Client struct {
	// ClientName is the name of the client sent to the origin as part of
	// the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the origin as
	// part of the user-agent.
	ClientVersion string

	config  Config
	locator Locator

	// targets and tIndex cache the results from the Locate API.
	targets []v2.Target
	tIndex  map[string]int
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and
// config. It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Scheme == "" {
		config.Scheme = DefaultScheme
	}
	if config.Emitter == nil {
		config.Emitter = quiet{}
	}
	if config.BaselineDuration == 0 {
		config.BaselineDuration = spec.BaselineDuration
	}
	if config.MeasureDuration == 0 {
		config.MeasureDuration = spec.MeasureDuration
	}
	if config.MinWarmupDuration == 0 {
		config.MinWarmupDuration = spec.MinWarmupDuration
	}
	return &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,
		config:        config,
		locator:       locate.NewClient(makeUserAgent(clientName, clientVersion)),
		tIndex:        map[string]int{},
	}
}

// baseURL returns the origin URL to measure against: the configured server
// if there is one, the next Locate target otherwise.
func (c *Client) baseURL(ctx context.Context) (*url.URL, error) {
	if c.config.Server != "" {
		return &url.URL{
			Scheme: c.config.Scheme,
			Host:   c.config.Server,
		}, nil
	}
	c.config.Emitter.OnDebug("using locate")
	urlStr, err := c.nextURLFromLocate(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	// Targets point at the ping endpoint; the load endpoints share the
	// same origin.
	u.Path = ""
	u.RawQuery = ""
	return u, nil
}

// nextURLFromLocate returns the next URL to try from the Locate API.
// If it's the first time we're calling this function, it contacts the
// Locate API. Subsequently, it returns the next URL from the cache.
// If there are no more URLs to try, it returns an error.
func (c *Client) nextURLFromLocate(ctx context.Context) (string, error) {
	if len(c.targets) == 0 {
		targets, err := c.locator.Nearest(ctx, "bloat/bloat1")
		if err != nil {
			return "", err
		}
		// cache targets on success.
		c.targets = targets
	}
	k := c.config.Scheme + "://" + spec.PingPath
	if c.tIndex[k] < len(c.targets) {
		r := c.targets[c.tIndex[k]].URLs[k]
		c.tIndex[k]++
		return r, nil
	}
	return "", ErrNoTargets
}

// newTransport returns a transport suitable for load traffic. Compression
// is disabled so that counted bytes match bytes on the wire.
func (c *Client) newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConnsPerHost: spec.MaxUploadStreams * spec.MaxPendingUploads,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.config.NoVerify,
		},
	}
}

// Run executes a full measurement session: baseline, download warmup and
// measurement, upload warmup and measurement, bidirectional. It returns the
// session result, which is well-formed (if partial) even when ctx is
// canceled mid-session. The only fatal error is an invalid phase
// transition.
func (c *Client) Run(ctx context.Context) (*model.SessionResult, error) {
	baseURL, err := c.baseURL(ctx)
	if err != nil {
		return nil, err
	}
	userAgent := makeUserAgent(c.ClientName, c.ClientVersion)
	emitter := c.config.Emitter
	emitter.OnStart(baseURL.Host)

	result := &model.SessionResult{
		GitShortCommit: version.GitShortCommit,
		Version:        libraryVersion,
		MeasurementID:  c.config.MeasurementID,
		Server:         baseURL.Host,
		StartTime:      time.Now(),
	}

	bus := eventbus.New()
	manager := streams.NewManager(baseURL, &http.Client{Transport: c.newTransport()},
		bus, userAgent, c.config.MeasurementID)
	controller := phases.NewController(bus, manager)
	manager.SetPhaseProvider(controller.Current)
	mon := monitor.New(bus, manager, controller, spec.ThroughputInterval)
	// The prober uses its own transport so probes never queue behind load
	// traffic.
	prb := prober.New(bus, &http.Client{Transport: c.newTransport()}, baseURL,
		controller, userAgent, c.config.MeasurementID)

	sessionCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(sessionCtx)
	go prb.Run(sessionCtx)

	if c.config.FeedAddr != "" {
		feed := &http.Server{Addr: c.config.FeedAddr, Handler: wsfeed.New(bus)}
		go func() {
			if err := feed.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("event feed stopped", "error", err)
			}
		}()
		defer feed.Close()
	}

	collector := newCollector(bus, emitter)
	go collector.run(sessionCtx)

	// Baseline.
	if err := controller.StartPhase(ctx, model.PhaseBaseline); err != nil {
		return nil, err
	}
	sleep(ctx, c.config.BaselineDuration)
	result.BaselineLatencyMs = collector.meanLatency(model.PhaseBaseline)
	log.Info("baseline measured", "rtt", fmt.Sprintf("%.2fms", result.BaselineLatencyMs))
	baseline := time.Duration(result.BaselineLatencyMs * float64(time.Millisecond))

	// Download warmup and measurement.
	if err := controller.StartPhase(ctx, model.PhaseDownloadWarmup); err != nil {
		return nil, err
	}
	downloadDiscovery := discovery.New(discovery.Config{
		Direction:             model.DirectionDownload,
		Baseline:              baseline,
		MinDuration:           c.config.MinWarmupDuration,
		ScoreRatio:            c.config.ScoreRatio,
		ThroughputImprovement: c.config.ThroughputImprovement,
	}, bus, func(ctx context.Context, p model.ParameterSet) {
		manager.ApplyDownloadParams(ctx, true, p)
	})
	result.DownloadParams, result.DownloadTrials = downloadDiscovery.Run(ctx)
	emitter.OnDiscovery(model.DirectionDownload, result.DownloadParams)

	if err := controller.StartPhase(ctx, model.PhaseDownload); err != nil {
		return nil, err
	}
	manager.StartDownloadSaturation(ctx, false, result.DownloadParams)
	sleep(ctx, c.config.MeasureDuration)

	// Upload warmup and measurement.
	if err := controller.StartPhase(ctx, model.PhaseUploadWarmup); err != nil {
		return nil, err
	}
	uploadDiscovery := discovery.New(discovery.Config{
		Direction:   model.DirectionUpload,
		Baseline:    baseline,
		MinDuration: c.config.MinWarmupDuration,
	}, bus, func(ctx context.Context, p model.ParameterSet) {
		manager.ApplyUploadParams(ctx, true, p)
	})
	result.UploadParams, result.UploadTrials = uploadDiscovery.Run(ctx)
	emitter.OnDiscovery(model.DirectionUpload, result.UploadParams)

	if err := controller.StartPhase(ctx, model.PhaseUpload); err != nil {
		return nil, err
	}
	manager.StartUploadSaturation(ctx, false, result.UploadParams)
	sleep(ctx, c.config.MeasureDuration)

	// Bidirectional.
	if err := controller.StartPhase(ctx, model.PhaseBidirectional); err != nil {
		return nil, err
	}
	manager.StartBidirectionalSaturation(ctx, result.DownloadParams, result.UploadParams)
	sleep(ctx, c.config.MeasureDuration)

	if err := controller.StartPhase(ctx, model.PhaseComplete); err != nil {
		return nil, err
	}

	// Stop the monitor, prober and collector before assembling the result,
	// so no further samples are produced.
	cancel()
	collector.wait()

	result.EndTime = time.Now()
	result.Phases = controller.History()
	result.Latency = collector.latencySeries()
	result.Download = mon.DownloadSeries()
	result.Upload = mon.UploadSeries()

	if c.config.OutputPath != "" {
		_, err := persistence.WriteDataFile(c.config.OutputPath, "bloat1", "",
			c.config.MeasurementID, result)
		if err != nil {
			log.Error("failed to write session result", "mid",
				c.config.MeasurementID, "error", err)
			emitter.OnError(err)
		}
	}
	emitter.OnSummary(result)
	return result, nil
}

// collector accumulates bus events into the session's series and forwards
// them to the Emitter.
type collector struct {
	sub     *eventbus.Subscription
	emitter Emitter

	mu      sync.Mutex
	latency []model.LatencySample

	done chan struct{}
}

func newCollector(bus *eventbus.Bus, emitter Emitter) *collector {
	return &collector{
		sub: bus.Subscribe(eventbus.TopicLatency, eventbus.TopicPhase,
			eventbus.TopicThroughputDownload, eventbus.TopicThroughputUpload,
			eventbus.TopicStreamLifecycle),
		emitter: emitter,
		done:    make(chan struct{}),
	}
}

func (c *collector) run(ctx context.Context) {
	defer close(c.done)
	defer c.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.sub.C:
			switch payload := ev.Payload.(type) {
			case model.LatencySample:
				c.mu.Lock()
				c.latency = append(c.latency, payload)
				c.mu.Unlock()
				c.emitter.OnLatency(payload)
			case model.ThroughputSample:
				c.emitter.OnThroughput(payload)
			case model.PhaseEvent:
				c.emitter.OnPhase(payload)
			case model.StreamEvent:
				c.emitter.OnStream(payload)
			}
		}
	}
}

func (c *collector) wait() {
	<-c.done
}

// meanLatency returns the mean round-trip time of the non-timeout samples
// collected during phase, in milliseconds. Returns zero if there are none;
// discovery then falls back to its fixed threshold floors.
func (c *collector) meanLatency(phase model.Phase) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rtts []float64
	for _, s := range c.latency {
		if s.Phase == phase && !s.Timeout {
			rtts = append(rtts, s.RTTMilliseconds())
		}
	}
	if len(rtts) == 0 {
		return 0
	}
	m, _ := stats.Mean(rtts)
	return m
}

func (c *collector) latencySeries() []model.LatencySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	series := make([]model.LatencySample, len(c.latency))
	copy(series, c.latency)
	// Overlapping probes can complete out of order; the archived series is
	// ordered by send instant.
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].SendTime.Before(series[j].SendTime)
	})
	return series
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
