package models

import "time"

// ProgressEventKind enumerates the normalized progress event types.
type ProgressEventKind string

const (
	EventStepStarted     ProgressEventKind = "step_started"
	EventStepProgress    ProgressEventKind = "step_progress"
	EventStepSucceeded   ProgressEventKind = "step_succeeded"
	EventStepFailed      ProgressEventKind = "step_failed"
	EventStepCancelled   ProgressEventKind = "step_cancelled"
	EventJobStateChanged ProgressEventKind = "job_state_changed"
)

// ProgressEvent is the single wire format for the progress bus, the
// websocket stream, and the persisted event log. Sequence is strictly
// increasing per job; late subscribers resume with since_sequence.
type ProgressEvent struct {
	ID        string            `json:"id" badgerhold:"key"`
	JobID     string            `json:"job_id" badgerholdIndex:"JobID"`
	StepName  string            `json:"step_name,omitempty"`
	Sequence  uint64            `json:"sequence"`
	Kind      ProgressEventKind `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`

	// Kind-specific payload fields.
	Percent   float64        `json:"percent,omitempty"`
	Message   string         `json:"message,omitempty"`
	Counters  map[string]int `json:"counters,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	JobStatus JobStatus      `json:"job_status,omitempty"`
	Error     *ErrorRecord   `json:"error,omitempty"`
	Abandoned bool           `json:"abandoned,omitempty"`
}
