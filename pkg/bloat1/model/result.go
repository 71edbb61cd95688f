package model

import (
	"time"

	"github.com/montanaflynn/stats"
)

// SessionResult is the struct that is serialized as JSON to disk as the
// archival record of a bloat1 session.
type SessionResult struct {
	// GitShortCommit is the Git commit (short form) of the running client
	// code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running client code.
	Version string

	// MeasurementID identifies all the flows belonging to this session.
	MeasurementID string
	// Server is the origin the session measured against.
	Server string
	// StartTime is the time the session started.
	StartTime time.Time
	// EndTime is the time the session ended.
	EndTime time.Time

	// BaselineLatencyMs is the average unloaded round-trip time measured
	// during the baseline phase.
	BaselineLatencyMs float64

	// Phases is the ordered history of phase transitions.
	Phases []PhaseRecord

	// DownloadParams is the optimal download parameter set selected by the
	// download warmup.
	DownloadParams ParameterSet
	// UploadParams is the optimal upload parameter set selected by the
	// upload warmup.
	UploadParams ParameterSet

	// DownloadTrials is the parameter trial history of the download warmup.
	DownloadTrials []ParameterTrial
	// UploadTrials is the parameter trial history of the upload warmup.
	UploadTrials []ParameterTrial

	// Latency is the full phase-tagged latency series.
	Latency []LatencySample
	// Download is the full phase-tagged download throughput series.
	Download []ThroughputSample
	// Upload is the full phase-tagged upload throughput series.
	Upload []ThroughputSample
}

// PhaseSummary aggregates the samples collected during one phase.
type PhaseSummary struct {
	// Phase is the summarized phase.
	Phase Phase
	// MeanLatencyMs is the mean round-trip time during the phase.
	MeanLatencyMs float64
	// P95LatencyMs is the 95th percentile round-trip time during the phase.
	P95LatencyMs float64
	// LatencyDeltaMs is the mean latency increase over the baseline.
	LatencyDeltaMs float64
	// Timeouts is the number of timed-out probes during the phase.
	Timeouts int
	// MeanDownloadMbps is the mean download throughput during the phase.
	MeanDownloadMbps float64
	// MeanUploadMbps is the mean upload throughput during the phase.
	MeanUploadMbps float64
}

// Summarize computes per-phase aggregates from the session's sample series.
// Phases with no latency samples are omitted.
func (r *SessionResult) Summarize() []PhaseSummary {
	var summaries []PhaseSummary
	for _, record := range r.Phases {
		if record.Phase == PhaseComplete {
			continue
		}
		s := PhaseSummary{Phase: record.Phase}
		var rtts []float64
		for _, sample := range r.Latency {
			if sample.Phase != record.Phase {
				continue
			}
			rtts = append(rtts, sample.RTTMilliseconds())
			if sample.Timeout {
				s.Timeouts++
			}
		}
		if len(rtts) == 0 {
			continue
		}
		// Mean and PercentileNearestRank only fail on empty input, which is
		// excluded above.
		s.MeanLatencyMs, _ = stats.Mean(rtts)
		s.P95LatencyMs, _ = stats.PercentileNearestRank(rtts, 95)
		s.LatencyDeltaMs = s.MeanLatencyMs - r.BaselineLatencyMs
		s.MeanDownloadMbps = meanMbps(r.Download, record.Phase)
		s.MeanUploadMbps = meanMbps(r.Upload, record.Phase)
		summaries = append(summaries, s)
	}
	return summaries
}

func meanMbps(series []ThroughputSample, phase Phase) float64 {
	var values []float64
	for _, sample := range series {
		if sample.Phase == phase {
			values = append(values, sample.Mbps)
		}
	}
	if len(values) == 0 {
		return 0
	}
	m, _ := stats.Mean(values)
	return m
}
