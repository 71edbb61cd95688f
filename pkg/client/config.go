package client

import (
	"time"
)

// Config is the configuration for a Client.
type Config struct {
	// Server is the origin to measure against. If empty, the origin is
	// obtained by querying the configured Locator.
	Server string

	// Scheme is the URL scheme used to connect to the origin (http or
	// https).
	Scheme string

	// MeasurementID is the measurement id ("mid") identifying this
	// session's flows on the wire.
	MeasurementID string

	// OutputPath, if non-empty, is the directory where the session result
	// is archived as gzip JSON.
	OutputPath string

	// Emitter is the interface used to emit events and results during the
	// session. It can be overridden to provide custom output.
	Emitter Emitter

	// NoVerify disables TLS certificate verification.
	NoVerify bool

	// FeedAddr, if non-empty, is a local address where the engine serves
	// its event bus over WebSocket for the duration of the session, so a
	// UI can chart it live.
	FeedAddr string

	// BaselineDuration overrides the duration of the baseline phase.
	BaselineDuration time.Duration

	// MeasureDuration overrides the duration of the Download, Upload and
	// Bidirectional phases.
	MeasureDuration time.Duration

	// MinWarmupDuration overrides the minimum warmup duration.
	MinWarmupDuration time.Duration

	// ScoreRatio and ThroughputImprovement tune the download warmup's
	// optimum selection. Zero values select the defaults.
	ScoreRatio            float64
	ThroughputImprovement float64
}
