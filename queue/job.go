// Package queue implements the Work Queue & Dispatcher (C3): named queues
// with independent concurrency caps, lease-based visibility, exponential
// backoff between retries, and at-most-one active Job per fingerprint. The
// durable store is the single source of truth for Job state; every mutation
// goes through a compare-and-set on the job record.
package queue

import (
	"encoding/json"
	"time"
)

// State is a Job's position in the lifecycle state machine. Succeeded,
// Failed and Cancelled are terminal; everything else can still move.
type State string

const (
	StateQueued    State = "Queued"
	StateLeased    State = "Leased"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateRetrying  State = "Retrying"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Job is one scheduled or manually submitted task instance. Payload is an
// opaque JSON document interpreted by the template's handler; the queue
// itself never looks inside it.
type Job struct {
	JobID        string `json:"job_id"`
	TemplateName string `json:"template_name"`
	Queue        string `json:"queue"`

	// Fingerprint is the dedup key: at most one Job per fingerprint may be
	// in a non-terminal state at any instant. Empty for jobs that don't
	// dedup (fan-out parents keyed by template instead carry a
	// template-level fingerprint set by the scheduler).
	Fingerprint string `json:"fingerprint,omitempty"`

	State       State `json:"state"`
	Attempt     int   `json:"attempt"`
	MaxAttempts int   `json:"max_attempts"`

	// Priority preempts FIFO position within a queue but never preempts a
	// running job. Set for operator-submitted jobs.
	Priority bool `json:"priority,omitempty"`

	EarliestStart time.Time `json:"earliest_start"`
	LeaseDeadline time.Time `json:"lease_deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastError   string `json:"last_error,omitempty"`
	ParentJobID string `json:"parent_job_id,omitempty"`

	// CancelRequested is the cooperative cancellation flag for a Running
	// job: the handler polls it between sub-operations and surrenders.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func jobKey(jobID string) string {
	return "job/" + jobID
}

// fingerprintKey is the active-fingerprint index entry pointing at the one
// non-terminal job currently holding this fingerprint.
func fingerprintKey(fp string) string {
	return "fp/" + fp
}

func unmarshalJob(data []byte, j *Job) error {
	return json.Unmarshal(data, j)
}
