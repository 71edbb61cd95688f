package client

import (
	"fmt"

	"github.com/m-lab/bloat/pkg/bloat1/model"
)

// Emitter is an interface for emitting events and results.
type Emitter interface {
	// OnStart is called when the session starts.
	OnStart(server string)
	// OnPhase is called on every phase transition.
	OnPhase(e model.PhaseEvent)
	// OnLatency is called on every latency sample.
	OnLatency(s model.LatencySample)
	// OnThroughput is called on every throughput sample.
	OnThroughput(s model.ThroughputSample)
	// OnStream is called on stream lifecycle events.
	OnStream(e model.StreamEvent)
	// OnDiscovery is called when a warmup converges on its parameters.
	OnDiscovery(direction model.Direction, params model.ParameterSet)
	// OnError is called on errors.
	OnError(err error)
	// OnSummary is called once with the completed session result.
	OnSummary(r *model.SessionResult)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStart is called when the session starts and prints the origin hostname.
func (HumanReadable) OnStart(server string) {
	fmt.Printf("Starting bufferbloat test (origin: %s)\n", server)
}

// OnPhase prints phase starts.
func (HumanReadable) OnPhase(e model.PhaseEvent) {
	if e.Type == model.PhaseStart {
		fmt.Printf("[%6.1fs] %s\n", e.ElapsedTime.Seconds(), e.Phase)
	}
}

// OnLatency is called on every latency sample.
func (e HumanReadable) OnLatency(s model.LatencySample) {
	if e.Debug {
		flag := ""
		if s.Timeout {
			flag = " (timeout)"
		}
		fmt.Printf("DEBUG: [%s] rtt %.2fms%s\n", s.Phase, s.RTTMilliseconds(), flag)
	}
}

// OnThroughput is called on every throughput sample.
func (e HumanReadable) OnThroughput(s model.ThroughputSample) {
	if e.Debug {
		fmt.Printf("DEBUG: [%s] %s %.2f Mb/s (smoothed %.2f)\n",
			s.Phase, s.Direction, s.Mbps, s.Smoothed)
	}
}

// OnStream is called on stream lifecycle events.
func (e HumanReadable) OnStream(ev model.StreamEvent) {
	if e.Debug {
		fmt.Printf("DEBUG: stream %d (%s) %s\n", ev.StreamID, ev.Direction, ev.Type)
	}
}

// OnDiscovery prints the parameters a warmup converged on.
func (HumanReadable) OnDiscovery(direction model.Direction, params model.ParameterSet) {
	fmt.Printf("%s warmup converged: %d streams, %d pending\n",
		direction, params.Streams, params.PendingUploads)
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	fmt.Println(err)
}

// OnSummary prints the per-phase summary of a completed session.
func (HumanReadable) OnSummary(r *model.SessionResult) {
	fmt.Println()
	fmt.Printf("Test results (baseline rtt: %.2fms):\n", r.BaselineLatencyMs)
	for _, s := range r.Summarize() {
		fmt.Printf("  %-16s rtt: %7.2fms (+%7.2fms), down: %8.2f Mb/s, up: %8.2f Mb/s\n",
			s.Phase, s.MeanLatencyMs, s.LatencyDeltaMs, s.MeanDownloadMbps, s.MeanUploadMbps)
		if s.Timeouts > 0 {
			fmt.Printf("    %d probe timeouts\n", s.Timeouts)
		}
	}
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}

// quiet is the Emitter used when none is configured.
type quiet struct{}

func (quiet) OnStart(string)                                  {}
func (quiet) OnPhase(model.PhaseEvent)                        {}
func (quiet) OnLatency(model.LatencySample)                   {}
func (quiet) OnThroughput(model.ThroughputSample)             {}
func (quiet) OnStream(model.StreamEvent)                      {}
func (quiet) OnDiscovery(model.Direction, model.ParameterSet) {}
func (quiet) OnError(error)                                   {}
func (quiet) OnSummary(*model.SessionResult)                  {}
func (quiet) OnDebug(string)                                  {}
