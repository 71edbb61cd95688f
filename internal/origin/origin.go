// Package origin implements the cooperative origin the measurement engine
// runs against: a ping endpoint answering as fast as possible, a download
// endpoint streaming an effectively infinite pseudo-random body, and an
// upload endpoint draining arbitrary bodies.
package origin

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/bloat/internal/measurer"
	"github.com/m-lab/bloat/internal/netx"
	"github.com/m-lab/bloat/internal/persistence"
)

const (
	// downloadChunk is the size of the reusable random buffer streamed by
	// the download endpoint.
	downloadChunk = 64 * 1024

	// maxUploadBody bounds a single upload body. Clients send at most
	// 64 KiB chunks; anything much larger is not a bloat1 client.
	maxUploadBody = 1 << 20
)

// Handler is the handler for the bloat1 origin endpoints.
type Handler struct {
	dataDir  string
	sessions *ttlcache.Cache[string, *Session]
	chunk    []byte
}

// New returns a new origin handler. Sessions expire after cacheTTL without
// traffic and are archived to dataDir on expiration.
func New(dataDir string, cacheTTL time.Duration) *Handler {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Session](cacheTTL),
	)
	cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *Session]) {
		session := i.Value()
		log.Debug("session expired", "id", session.ID, "reason", er)

		archive := session.Archive()
		_, err := persistence.WriteDataFile(dataDir, "bloat1", "origin",
			archive.ID, archive)
		if err != nil {
			log.Error("failed to write origin session", "mid", archive.ID,
				"error", err)
		}
	})
	go cache.Start()

	chunk := make([]byte, downloadChunk)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(chunk)
	return &Handler{
		dataDir:  dataDir,
		sessions: cache,
		chunk:    chunk,
	}
}

// session returns the session for the request's mid, creating it if
// needed. Requests without a mid share the anonymous session.
func (h *Handler) session(req *http.Request) *Session {
	mid := req.URL.Query().Get("mid")
	if mid == "" {
		mid = "anonymous"
	}
	if item := h.sessions.Get(mid); item != nil {
		return item.Value()
	}
	item := h.sessions.Set(mid, NewSession(mid), ttlcache.DefaultTTL)
	return item.Value()
}

// noStore sets the cache-defeating response headers.
func noStore(rw http.ResponseWriter) {
	rw.Header().Set("Cache-Control", "no-store")
	rw.Header().Set("Pragma", "no-cache")
}

// Ping responds 200 with an empty body as quickly as possible. It must
// never be rate-limited relative to load traffic.
func (h *Handler) Ping(rw http.ResponseWriter, req *http.Request) {
	requestsTotal.WithLabelValues("ping").Inc()
	noStore(rw)
	rw.WriteHeader(http.StatusOK)
	h.session(req).RecordPing()
}

// Download streams pseudo-random bytes until the client goes away.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	requestsTotal.WithLabelValues("download").Inc()
	activeFlows.WithLabelValues("download").Inc()
	defer activeFlows.WithLabelValues("download").Dec()

	flow := FlowRecord{
		Direction:   "download",
		StreamID:    req.Header.Get("X-Stream-ID"),
		RequestedCC: req.URL.Query().Get("cc"),
		StartTime:   time.Now(),
	}

	// When the server was set up with a netx listener, honor the requested
	// congestion control algorithm and sample kernel metrics for the
	// flow's lifetime.
	var snapshots <-chan measurer.Measurement
	if ci, ok := netx.FromContext(req.Context()); ok {
		flow.UUID, _ = ci.UUID()
		if flow.RequestedCC != "" {
			if err := ci.SetCC(flow.RequestedCC); err != nil {
				log.Debug("failed to set congestion control",
					"cc", flow.RequestedCC, "error", err)
			}
		}
		flow.ActualCC, _ = ci.GetCC()
		snapshots = measurer.Start(req.Context(), ci)
	}

	noStore(rw)
	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.WriteHeader(http.StatusOK)

	flusher, _ := rw.(http.Flusher)
	for {
		n, err := rw.Write(h.chunk)
		flow.Bytes += int64(n)
		if err != nil {
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		if req.Context().Err() != nil {
			break
		}
	}
	bytesTotal.WithLabelValues("download").Add(float64(flow.Bytes))

	flow.EndTime = time.Now()
	if snapshots != nil {
		for snapshot := range snapshots {
			flow.Snapshots = append(flow.Snapshots, snapshot)
		}
	}
	h.session(req).RecordFlow(flow)
}

// Upload drains and discards the request body, responding 200 once done.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	requestsTotal.WithLabelValues("upload").Inc()
	activeFlows.WithLabelValues("upload").Inc()
	defer activeFlows.WithLabelValues("upload").Dec()

	flow := FlowRecord{
		Direction: "upload",
		StreamID:  req.Header.Get("X-Stream-ID"),
		StartTime: time.Now(),
	}
	if ci, ok := netx.FromContext(req.Context()); ok {
		flow.UUID, _ = ci.UUID()
	}

	n, err := io.Copy(io.Discard, http.MaxBytesReader(rw, req.Body, maxUploadBody))
	flow.Bytes = n
	flow.EndTime = time.Now()
	bytesTotal.WithLabelValues("upload").Add(float64(n))
	if err != nil {
		log.Debug("upload drain failed", "error", err)
		noStore(rw)
		rw.WriteHeader(http.StatusBadRequest)
		h.session(req).RecordFlow(flow)
		return
	}
	noStore(rw)
	rw.WriteHeader(http.StatusOK)
	h.session(req).RecordFlow(flow)
}

// Stop stops the session cache's cleanup goroutine.
func (h *Handler) Stop() {
	h.sessions.Stop()
}
