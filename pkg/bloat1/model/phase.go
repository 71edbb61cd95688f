package model

import "time"

// Phase identifies a phase of a measurement session.
type Phase string

const (
	// PhaseBaseline is the unloaded latency baseline phase.
	PhaseBaseline = Phase("baseline")
	// PhaseDownloadWarmup is the download parameter discovery phase.
	PhaseDownloadWarmup = Phase("download_warmup")
	// PhaseDownload is the download measurement phase.
	PhaseDownload = Phase("download")
	// PhaseUploadWarmup is the upload parameter discovery phase.
	PhaseUploadWarmup = Phase("upload_warmup")
	// PhaseUpload is the upload measurement phase.
	PhaseUpload = Phase("upload")
	// PhaseBidirectional is the combined download+upload measurement phase.
	PhaseBidirectional = Phase("bidirectional")
	// PhaseComplete marks the end of the session.
	PhaseComplete = Phase("complete")
)

// Order is the fixed order in which a session enters its phases.
var Order = []Phase{
	PhaseBaseline,
	PhaseDownloadWarmup,
	PhaseDownload,
	PhaseUploadWarmup,
	PhaseUpload,
	PhaseBidirectional,
	PhaseComplete,
}

// IsWarmup reports whether p is a parameter discovery phase.
func (p Phase) IsWarmup() bool {
	return p == PhaseDownloadWarmup || p == PhaseUploadWarmup
}

// Exercises reports whether phase p is meant to generate load traffic in
// direction d. Traffic observed in a direction the current phase does not
// exercise is tagged out-of-phase by the throughput monitor.
func (p Phase) Exercises(d Direction) bool {
	switch p {
	case PhaseDownloadWarmup, PhaseDownload:
		return d == DirectionDownload
	case PhaseUploadWarmup, PhaseUpload:
		return d == DirectionUpload
	case PhaseBidirectional:
		return true
	default:
		return false
	}
}

// PhaseRecord is the archival record of a single phase.
type PhaseRecord struct {
	// Phase is the phase this record describes.
	Phase Phase
	// StartTime is the time the phase started.
	StartTime time.Time
	// EndTime is the time the phase ended. It is the zero value while the
	// phase is still running.
	EndTime time.Time `json:",omitempty"`
}

// Direction identifies the direction of a load stream.
type Direction string

const (
	// DirectionDownload is a download stream.
	DirectionDownload = Direction("download")
	// DirectionUpload is an upload stream.
	DirectionUpload = Direction("upload")
)
