package model

import "time"

// ParameterSet is a load parameter combination applied to one direction:
// the number of concurrent streams and, for upload streams, the number of
// in-flight requests each stream keeps pending. Both values are always
// positive.
type ParameterSet struct {
	// Streams is the number of concurrent load streams.
	Streams int
	// PendingUploads is the in-flight request depth of each upload stream.
	// It is pinned to a small range while probing the download direction.
	PendingUploads int
}

// ParameterTrial records the outcome observed while a ParameterSet was
// applied during a warmup.
type ParameterTrial struct {
	// Params is the parameter set that was applied.
	Params ParameterSet
	// ThroughputMbps is the throughput measured while Params was applied.
	ThroughputMbps float64
	// LatencyMs is the round-trip latency measured while Params was applied.
	LatencyMs float64
	// Time is the instant the trial was recorded.
	Time time.Time
	// IsOptimalOutcome marks the best-scoring trial of the warmup. At most
	// one trial in a history carries this flag.
	IsOptimalOutcome bool `json:",omitempty"`
	// CausedOptimalOutcome marks the trial whose parameters were applied
	// immediately before the best-scoring outcome was observed. Those are
	// the parameters returned by the warmup. At most one trial in a history
	// carries this flag.
	CausedOptimalOutcome bool `json:",omitempty"`
}
