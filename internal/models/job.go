// -----------------------------------------------------------------------
// Job and StepState - persisted pipeline execution state
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the job-level state machine.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job has reached a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has reached a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusCancelled, StepStatusSkipped:
		return true
	}
	return false
}

// RequestedStep is one entry of a job submission: a step name plus its
// per-job parameter overrides.
type RequestedStep struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// StepProgress carries the latest progress observation for a step.
// Percent is monotone non-decreasing within an attempt.
type StepProgress struct {
	Percent  float64        `json:"percent"`
	Message  string         `json:"message,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
}

// StepState tracks one step's execution within a job.
type StepState struct {
	Name         string       `json:"name"`
	Status       StepStatus   `json:"status"`
	Attempts     int          `json:"attempts"`
	Progress     StepProgress `json:"progress"`
	Dependencies []string     `json:"dependencies,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Error        *ErrorRecord `json:"error,omitempty"`
}

// Job is the persisted record of one pipeline execution over a repository.
type Job struct {
	ID             string                `json:"id" badgerhold:"key"`
	RepoPath       string                `json:"repo_path"`
	RequestedSteps []RequestedStep       `json:"requested_steps"`
	Status         JobStatus             `json:"status" badgerholdIndex:"Status"`
	StepStates     map[string]*StepState `json:"step_states"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
	LastError      *ErrorRecord          `json:"last_error,omitempty"`
	LastSequence   uint64                `json:"last_sequence"`
}

// NewJob creates a pending job with initialized step states.
func NewJob(repoPath string, steps []RequestedStep) *Job {
	now := time.Now()
	job := &Job{
		ID:             NewJobID(),
		RepoPath:       repoPath,
		RequestedSteps: steps,
		Status:         JobStatusPending,
		StepStates:     make(map[string]*StepState, len(steps)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, s := range steps {
		job.StepStates[s.Name] = &StepState{
			Name:   s.Name,
			Status: StepStatusPending,
		}
	}
	return job
}

// NewJobID generates a unique job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// Step returns the state for a step name, or an error when unknown.
func (j *Job) Step(name string) (*StepState, error) {
	st, ok := j.StepStates[name]
	if !ok {
		return nil, fmt.Errorf("unknown step in job %s: %s", j.ID, name)
	}
	return st, nil
}

// StepOrder returns step names in submission order, the scheduler's tie-break.
func (j *Job) StepOrder() []string {
	names := make([]string, 0, len(j.RequestedSteps))
	for _, s := range j.RequestedSteps {
		names = append(names, s.Name)
	}
	return names
}

// Clone returns a deep copy suitable for handing to subscribers while the
// scheduler keeps mutating the original.
func (j *Job) Clone() *Job {
	cp := *j
	cp.StepStates = make(map[string]*StepState, len(j.StepStates))
	for name, st := range j.StepStates {
		s := *st
		if st.Dependencies != nil {
			s.Dependencies = append([]string(nil), st.Dependencies...)
		}
		if st.Progress.Counters != nil {
			s.Progress.Counters = make(map[string]int, len(st.Progress.Counters))
			for k, v := range st.Progress.Counters {
				s.Progress.Counters[k] = v
			}
		}
		cp.StepStates[name] = &s
	}
	cp.RequestedSteps = append([]RequestedStep(nil), j.RequestedSteps...)
	return &cp
}

// ToJSON serializes the job for storage and the wire.
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// JobFromJSON deserializes a stored job record.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// JobListOptions filters and paginates job listings.
type JobListOptions struct {
	Status         JobStatus
	RepoPathPrefix string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	Limit          int
	Offset         int
}
