// Package pipeline implements the VOD Pipeline (C4): a per-Recording state
// machine that takes a discovered file through Transcribe, CaptionFormat,
// Remux, Upload, Validate, and Cleanup, writing one atomic artifact per
// stage and resuming from the last verified one on retry. It depends on
// scanner and clients (leaves) but knows nothing about the queue or
// scheduler above it.
package pipeline

import (
	"time"

	"github.com/civiccaption/flexcore/scanner"
)

// Stage is a PipelineRun's position in the state machine. Stages are
// ordered; Run advances strictly forward except when resuming skips
// already-verified stages.
type Stage string

const (
	StageDiscovered Stage = "Discovered"
	StageTranscribed Stage = "Transcribed"
	StageCaptioned  Stage = "Captioned"
	StageRemuxed    Stage = "Remuxed"
	StageUploaded   Stage = "Uploaded"
	StageValidated  Stage = "Validated"
	StageCleaned    Stage = "Cleaned"
	StageFailed     Stage = "Failed"
)

// stageOrder is the sequence Run walks forward through; it's also how
// resume decides what "already done" means for a given stage name.
var stageOrder = []Stage{
	StageDiscovered,
	StageTranscribed,
	StageCaptioned,
	StageRemuxed,
	StageUploaded,
	StageValidated,
	StageCleaned,
}

// Artifact records one stage's durable output: the path it was written to,
// a checksum to verify it hasn't rotted or been tampered with across a
// restart, and its size for diagnostics.
type Artifact struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

// Run is a single PipelineRun: exactly one Recording's progress through
// the stage machine. Artifacts is append-only: once a stage completes its
// entry is never rewritten, only read back on resume.
type Run struct {
	RunID      string              `json:"run_id"`
	JobID      string              `json:"job_id"`
	Recording  scanner.Recording   `json:"recording"`
	Fingerprint string             `json:"fingerprint"`
	Stage      Stage               `json:"stage"`
	Artifacts  map[string]Artifact `json:"artifacts"`

	CablecastShowID *int `json:"cablecast_show_id,omitempty"`
	CablecastVODID  *int `json:"cablecast_vod_id,omitempty"`

	NeedsReview bool `json:"needs_review"`

	// RequestedShowID comes from the job payload when the operator already
	// knows which Cablecast show this recording belongs to, bypassing the
	// (label, date) heuristic.
	RequestedShowID *int `json:"requested_show_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastError string `json:"last_error,omitempty"`
}

func storeKey(runID string) string {
	return "run/" + runID
}

// stageIndex returns stage's position in stageOrder, or -1 if unknown
// (StageFailed has no position: it's a terminal excursion, not a step).
func stageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}
