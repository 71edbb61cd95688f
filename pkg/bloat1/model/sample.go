package model

import "time"

// LatencySample is a single round-trip measurement produced by the latency
// prober. Timed-out probes produce a synthetic sample with Timeout set.
type LatencySample struct {
	// SendTime is the time the probe was sent.
	SendTime time.Time
	// RTT is the measured (or, for timeouts, synthetic) round-trip time.
	RTT time.Duration
	// Timeout is true if the probe timed out.
	Timeout bool `json:",omitempty"`
	// ConsecutiveTimeouts is the prober's consecutive-timeouts counter at
	// the time this sample was produced.
	ConsecutiveTimeouts int `json:",omitempty"`
	// Phase is the phase that was current when the probe was sent.
	Phase Phase
}

// RTTMilliseconds returns the sample's round-trip time in milliseconds.
func (s LatencySample) RTTMilliseconds() float64 {
	return float64(s.RTT) / float64(time.Millisecond)
}

// ThroughputSample is a single throughput measurement for one direction.
type ThroughputSample struct {
	// Time is the sampling instant.
	Time time.Time
	// Direction is the direction this sample accounts for.
	Direction Direction
	// Mbps is the instantaneous throughput in Mbit/s.
	Mbps float64
	// Smoothed is the exponentially-weighted moving average of Mbps.
	Smoothed float64
	// Bytes is the number of bytes credited during the sampling interval.
	Bytes int64
	// Phase is the phase that was current at the sampling instant.
	Phase Phase
	// OutOfPhase is true if bytes were credited in a direction the current
	// phase is not meant to exercise.
	OutOfPhase bool `json:",omitempty"`
}
