// Package spec contains constants for the bloat1 protocol.
package spec

import "time"

const (
	// PingPath is the path of the latency probe endpoint.
	PingPath = "/ping"
	// DownloadPath is the path of the download saturation endpoint.
	DownloadPath = "/download"
	// UploadPath is the path of the upload saturation endpoint.
	UploadPath = "/upload"

	// BaselineDuration is the duration of the unloaded baseline phase.
	BaselineDuration = 5 * time.Second

	// MinWarmupDuration is the minimum duration of a warmup phase. A warmup
	// does not end before this much time has elapsed, regardless of whether
	// parameter discovery has converged.
	MinWarmupDuration = 15 * time.Second

	// MeasureDuration is the duration of the Download, Upload and
	// Bidirectional phases.
	MeasureDuration = 5 * time.Second

	// ThroughputInterval is the sampling cadence of the throughput monitor.
	ThroughputInterval = 200 * time.Millisecond

	// ProbeInterval is the cadence of the latency prober.
	ProbeInterval = 100 * time.Millisecond

	// SmoothingAlpha is the weight of the most recent sample in the
	// exponentially-weighted moving average of throughput samples.
	SmoothingAlpha = 0.3

	// QuiescenceWait is how long the phase barrier waits after commanding
	// stream termination before verifying the registry is empty.
	QuiescenceWait = 200 * time.Millisecond

	// MaxVerifyRounds is the maximum number of registry verification rounds
	// performed by the phase barrier.
	MaxVerifyRounds = 15

	// VerifyInitialDelay is the delay after the first failed barrier
	// verification round. Each later delay doubles it, up to VerifyMaxDelay;
	// the first round itself runs right after QuiescenceWait.
	VerifyInitialDelay = 100 * time.Millisecond

	// VerifyMaxDelay caps the delay between barrier verification rounds.
	VerifyMaxDelay = 1 * time.Second

	// StreamSpawnDelay is the pause between spawning consecutive streams of
	// the same direction.
	StreamSpawnDelay = 100 * time.Millisecond

	// BidirectionalGap is the pause between starting download and upload
	// saturation in the Bidirectional phase.
	BidirectionalGap = 200 * time.Millisecond

	// MaxDownloadStreams bounds the number of concurrent download streams.
	MaxDownloadStreams = 24
	// MaxUploadStreams bounds the number of concurrent upload streams.
	MaxUploadStreams = 16
	// MaxPendingUploads bounds the in-flight request depth of a single
	// upload stream.
	MaxPendingUploads = 16
	// MaxDownloadPending bounds the pending-depth parameter while probing
	// the download direction.
	MaxDownloadPending = 3

	// MinUploadBuffer is the initial upload buffer size during the warmup
	// slow-start ramp.
	MinUploadBuffer = 4 * 1024
	// MaxUploadBuffer is the upload buffer size after the slow-start ramp
	// and everywhere outside warmups.
	MaxUploadBuffer = 64 * 1024
	// SlowStartBuffers is the number of buffers over which the warmup
	// slow-start ramps from MinUploadBuffer to MaxUploadBuffer.
	SlowStartBuffers = 30

	// UploadQueueSize is the capacity of a stream's upload buffer queue.
	UploadQueueSize = 10
	// UploadQueueLowWatermark triggers a queue refill when fewer buffers
	// than this remain queued.
	UploadQueueLowWatermark = 5
	// UploadQueueIdleRefill triggers a queue refill when no upload progress
	// has been made for this long.
	UploadQueueIdleRefill = 300 * time.Millisecond

	// UploadTimeout is the timeout of a single upload POST.
	UploadTimeout = 5 * time.Second
	// UploadRetries is the number of retries after a failed upload POST.
	UploadRetries = 2
	// UploadRetryBackoff is the pause between upload retries.
	UploadRetryBackoff = 100 * time.Millisecond

	// MinProbeTimeout is the base timeout of a latency probe.
	MinProbeTimeout = 1000 * time.Millisecond
	// MaxProbeTimeout caps the adaptive probe timeout.
	MaxProbeTimeout = 2000 * time.Millisecond
	// ProbeTimeoutStep is the timeout increase per consecutive probe
	// timeout.
	ProbeTimeoutStep = 100 * time.Millisecond
	// SyntheticRTTStep is the synthetic sample duration increase per
	// consecutive probe timeout.
	SyntheticRTTStep = 25 * time.Millisecond
	// ForceBackoffTimeouts is the number of consecutive probe timeouts,
	// during a warmup, after which a forced backoff is requested.
	ForceBackoffTimeouts = 5
	// TimeoutCounterReset is the value the consecutive-timeouts counter is
	// reset to after a forced backoff has been requested.
	TimeoutCounterReset = 3

	// DownloadBackoffFactor is the forced-backoff factor requested for the
	// download direction after sustained probe timeouts.
	DownloadBackoffFactor = 0.5
	// UploadBackoffFactor is the forced-backoff factor requested for the
	// upload direction after sustained probe timeouts.
	UploadBackoffFactor = 0.9

	// StabilizationDelay is the expected interval between consecutive
	// parameter discovery measurements.
	StabilizationDelay = 300 * time.Millisecond
	// ReRampDelay is how long after a forced backoff discovery performs an
	// automatic one-step re-ramp.
	ReRampDelay = 3 * time.Second
)
