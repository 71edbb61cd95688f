package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
	"github.com/m-lab/go/testingx"
)

type fakePhase struct {
	phase model.Phase
}

func (f *fakePhase) Current() model.Phase { return f.phase }

func newTestProber(t *testing.T, handler http.Handler, phase model.Phase) (*Prober, *eventbus.Bus) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	testingx.Must(t, err, "cannot parse server URL")
	bus := eventbus.New()
	return New(bus, server.Client(), u, &fakePhase{phase: phase}, "bloat-test/v0", "mid-test"), bus
}

func TestProber_SuccessfulProbe(t *testing.T) {
	p, bus := newTestProber(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != spec.PingPath {
			t.Errorf("probe hit %s, want %s", r.URL.Path, spec.PingPath)
		}
		if r.URL.Query().Get("t") == "" {
			t.Error("probe has no cache-defeating parameter")
		}
		if r.Header.Get("Cache-Control") != "no-store" {
			t.Error("probe has no no-store header")
		}
		w.WriteHeader(http.StatusOK)
	}), model.PhaseBaseline)
	sub := bus.Subscribe(eventbus.TopicLatency)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		res := <-p.results
		p.record(res)
		close(done)
	}()
	p.probe(context.Background(), time.Second, model.PhaseBaseline)
	<-done

	select {
	case ev := <-sub.C:
		sample := ev.Payload.(model.LatencySample)
		if sample.Timeout {
			t.Error("successful probe flagged as timeout")
		}
		if sample.RTT <= 0 {
			t.Errorf("non-positive RTT %s", sample.RTT)
		}
		if sample.Phase != model.PhaseBaseline {
			t.Errorf("sample tagged %s, want %s", sample.Phase, model.PhaseBaseline)
		}
	case <-time.After(time.Second):
		t.Fatal("no latency sample published")
	}
}

func TestProber_TimeoutProducesSyntheticSample(t *testing.T) {
	p, bus := newTestProber(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}), model.PhaseDownload)
	sub := bus.Subscribe(eventbus.TopicLatency)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		res := <-p.results
		p.record(res)
		close(done)
	}()
	p.probe(context.Background(), 10*time.Millisecond, model.PhaseDownload)
	<-done

	ev := <-sub.C
	sample := ev.Payload.(model.LatencySample)
	if !sample.Timeout {
		t.Fatal("timed-out probe not flagged")
	}
	want := spec.MinProbeTimeout + spec.SyntheticRTTStep
	if sample.RTT != want {
		t.Errorf("synthetic RTT = %s, want %s", sample.RTT, want)
	}
	if sample.ConsecutiveTimeouts != 1 {
		t.Errorf("ConsecutiveTimeouts = %d, want 1", sample.ConsecutiveTimeouts)
	}
}

func TestProber_ForceBackoffDuringWarmup(t *testing.T) {
	p, bus := newTestProber(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), model.PhaseUploadWarmup)
	backoffs := bus.Subscribe(eventbus.TopicUploadBackoff, eventbus.TopicDownloadBackoff)
	defer backoffs.Close()

	// Five consecutive timeouts during the upload warmup must emit exactly
	// one upload backoff with the documented factor, and reset the counter
	// to three.
	for i := 0; i < spec.ForceBackoffTimeouts; i++ {
		p.record(probeResult{sendTime: time.Now(), timeout: true, phase: model.PhaseUploadWarmup})
	}
	select {
	case ev := <-backoffs.C:
		if ev.Topic != eventbus.TopicUploadBackoff {
			t.Errorf("backoff on topic %s, want %s", ev.Topic, eventbus.TopicUploadBackoff)
		}
		backoff := ev.Payload.(model.BackoffEvent)
		if backoff.Factor != spec.UploadBackoffFactor {
			t.Errorf("factor = %f, want %f", backoff.Factor, spec.UploadBackoffFactor)
		}
	case <-time.After(time.Second):
		t.Fatal("no backoff event published")
	}
	select {
	case <-backoffs.C:
		t.Error("more than one backoff event published")
	default:
	}
	if p.consecutiveTimeouts != spec.TimeoutCounterReset {
		t.Errorf("counter = %d after backoff, want %d",
			p.consecutiveTimeouts, spec.TimeoutCounterReset)
	}
}

func TestProber_NoBackoffOutsideWarmup(t *testing.T) {
	p, bus := newTestProber(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), model.PhaseDownload)
	backoffs := bus.Subscribe(eventbus.TopicUploadBackoff, eventbus.TopicDownloadBackoff)
	defer backoffs.Close()

	for i := 0; i < 2*spec.ForceBackoffTimeouts; i++ {
		p.record(probeResult{sendTime: time.Now(), timeout: true, phase: model.PhaseDownload})
	}
	select {
	case <-backoffs.C:
		t.Error("backoff published outside a warmup")
	default:
	}
}

func TestProber_CounterResetsOnSuccess(t *testing.T) {
	p, _ := newTestProber(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), model.PhaseBaseline)

	p.record(probeResult{sendTime: time.Now(), timeout: true, phase: model.PhaseBaseline})
	p.record(probeResult{sendTime: time.Now(), timeout: true, phase: model.PhaseBaseline})
	if p.consecutiveTimeouts != 2 {
		t.Fatalf("counter = %d, want 2", p.consecutiveTimeouts)
	}
	p.record(probeResult{sendTime: time.Now(), rtt: 10 * time.Millisecond, phase: model.PhaseBaseline})
	if p.consecutiveTimeouts != 0 {
		t.Errorf("counter = %d after success, want 0", p.consecutiveTimeouts)
	}
}
