package streams

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
	"github.com/m-lab/go/testingx"
)

// setupOrigin starts a test origin serving the three bloat1 endpoints.
// uploadStatus controls the status code returned to uploads.
func setupOrigin(t *testing.T, uploadStatus int, uploadedBytes *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadPath, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 8*1024)
		for {
			if _, err := w.Write(buf); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	})
	mux.HandleFunc(spec.UploadPath, func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		if uploadedBytes != nil {
			uploadedBytes.Add(n)
		}
		w.WriteHeader(uploadStatus)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestManager(t *testing.T, server *httptest.Server) (*Manager, *eventbus.Bus) {
	t.Helper()
	u, err := url.Parse(server.URL)
	testingx.Must(t, err, "cannot parse origin URL")
	bus := eventbus.New()
	return NewManager(u, server.Client(), bus, "bloat-test/v0", "mid-test"), bus
}

func TestManager_DownloadSaturation(t *testing.T) {
	server := setupOrigin(t, http.StatusOK, nil)
	m, _ := newTestManager(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartDownloadSaturation(ctx, false, model.ParameterSet{Streams: 3})
	counts := m.ActiveCounts()
	if counts.Download != 3 || counts.Total != 3 {
		t.Errorf("unexpected counts after start: %+v", counts)
	}

	// The streams must credit bytes.
	deadline := time.Now().Add(2 * time.Second)
	var download int64
	for time.Now().Before(deadline) {
		d, _ := m.CollectDeltas()
		download += d
		if download > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if download == 0 {
		t.Error("no download bytes credited")
	}

	m.TerminateAll()
	if counts := m.ActiveCounts(); counts.Total != 0 {
		t.Errorf("streams still registered after TerminateAll: %+v", counts)
	}
}

func TestManager_StreamIDsAreMonotonic(t *testing.T) {
	server := setupOrigin(t, http.StatusOK, nil)
	m, bus := newTestManager(t, server)
	sub := bus.Subscribe(eventbus.TopicStreamLifecycle)
	defer sub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartDownloadSaturation(ctx, false, model.ParameterSet{Streams: 2})
	m.TerminateAll()
	m.StartUploadSaturation(ctx, false, model.ParameterSet{Streams: 2, PendingUploads: 1})
	m.TerminateAll()

	seen := map[int64]bool{}
	last := int64(0)
	for {
		select {
		case ev := <-sub.C:
			s := ev.Payload.(model.StreamEvent)
			if s.Type != model.StreamCreated {
				continue
			}
			if s.StreamID <= last {
				t.Errorf("stream id %d not strictly increasing (last %d)", s.StreamID, last)
			}
			if seen[s.StreamID] {
				t.Errorf("stream id %d reused", s.StreamID)
			}
			seen[s.StreamID] = true
			last = s.StreamID
			continue
		default:
		}
		break
	}
	if len(seen) != 4 {
		t.Errorf("saw %d created events, want 4", len(seen))
	}
}

func TestManager_TerminateAllIsIdempotent(t *testing.T) {
	server := setupOrigin(t, http.StatusOK, nil)
	m, bus := newTestManager(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartDownloadSaturation(ctx, false, model.ParameterSet{Streams: 2})
	m.TerminateAll()

	sub := bus.Subscribe(eventbus.TopicStreamLifecycle)
	defer sub.Close()
	m.TerminateAll()
	if counts := m.ActiveCounts(); counts.Total != 0 {
		t.Errorf("unexpected counts after second TerminateAll: %+v", counts)
	}
	select {
	case ev := <-sub.C:
		t.Errorf("second TerminateAll published %v", ev.Payload)
	default:
	}
}

func TestManager_UploadCreditsOnlyOn2xx(t *testing.T) {
	var uploaded atomic.Int64
	server := setupOrigin(t, http.StatusServiceUnavailable, &uploaded)
	m, _ := newTestManager(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartUploadSaturation(ctx, false, model.ParameterSet{Streams: 1, PendingUploads: 2})
	// Give the stream time to exhaust a few retries.
	time.Sleep(1 * time.Second)
	m.TerminateAll()

	_, creditedBytes := m.CollectDeltas()
	if creditedBytes != 0 {
		t.Errorf("credited %d bytes for failed uploads", creditedBytes)
	}
	if uploaded.Load() == 0 {
		t.Error("origin saw no upload traffic")
	}
}

func TestManager_UploadCollectDeltasMatchesOrigin(t *testing.T) {
	var uploaded atomic.Int64
	server := setupOrigin(t, http.StatusOK, &uploaded)
	m, _ := newTestManager(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartUploadSaturation(ctx, false, model.ParameterSet{Streams: 1, PendingUploads: 1})
	time.Sleep(1 * time.Second)
	m.TerminateAll()
	// Residual bytes from the terminated stream must still be collected.
	_, credited := m.CollectDeltas()
	if credited == 0 {
		t.Fatal("no upload bytes credited")
	}
	if credited > uploaded.Load() {
		t.Errorf("credited %d bytes, origin saw only %d", credited, uploaded.Load())
	}
}

func TestManager_ApplyUploadParamsScalesDown(t *testing.T) {
	server := setupOrigin(t, http.StatusOK, nil)
	m, _ := newTestManager(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartUploadSaturation(ctx, true, model.ParameterSet{Streams: 3, PendingUploads: 2})
	m.ApplyUploadParams(ctx, true, model.ParameterSet{Streams: 1, PendingUploads: 1})
	if counts := m.ActiveCounts(); counts.Upload != 1 {
		t.Errorf("unexpected upload count after scale down: %+v", counts)
	}
	m.TerminateAll()
}

func TestManager_ApplyDownloadParamsScalesUp(t *testing.T) {
	server := setupOrigin(t, http.StatusOK, nil)
	m, _ := newTestManager(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartDownloadSaturation(ctx, true, model.ParameterSet{Streams: 1})
	m.ApplyDownloadParams(ctx, true, model.ParameterSet{Streams: 3})
	if counts := m.ActiveCounts(); counts.Download != 3 {
		t.Errorf("unexpected download count after scale up: %+v", counts)
	}
	m.TerminateAll()
}

func TestManager_ResetPublishesEvent(t *testing.T) {
	server := setupOrigin(t, http.StatusOK, nil)
	m, bus := newTestManager(t, server)
	sub := bus.Subscribe(eventbus.TopicStreamReset)
	defer sub.Close()

	m.Reset()
	select {
	case ev := <-sub.C:
		if _, ok := ev.Payload.(model.ResetEvent); !ok {
			t.Errorf("unexpected payload type %T", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Error("no reset event published")
	}
}

func TestUploadStream_SlowStartBufferSizes(t *testing.T) {
	s := &uploadStream{warmup: true}
	s.rnd = testRand()
	prev := 0
	for i := 0; i < spec.SlowStartBuffers; i++ {
		buf := s.nextBuffer()
		if len(buf) < prev {
			t.Errorf("buffer %d shrank: %d < %d", i, len(buf), prev)
		}
		if len(buf) < spec.MinUploadBuffer || len(buf) > spec.MaxUploadBuffer {
			t.Errorf("buffer %d out of bounds: %d", i, len(buf))
		}
		prev = len(buf)
	}
	if buf := s.nextBuffer(); len(buf) != spec.MaxUploadBuffer {
		t.Errorf("post-ramp buffer is %d bytes, want %d", len(buf), spec.MaxUploadBuffer)
	}

	fixed := &uploadStream{warmup: false}
	fixed.rnd = testRand()
	if buf := fixed.nextBuffer(); len(buf) != spec.MaxUploadBuffer {
		t.Errorf("non-warmup buffer is %d bytes, want %d", len(buf), spec.MaxUploadBuffer)
	}
}
