package interfaces

import (
	"context"

	"github.com/ternarybob/codestory/internal/models"
)

// SubmitRequest is a job submission: a repo path plus the ordered steps to
// run with their per-job parameter overrides.
type SubmitRequest struct {
	RepoPath string                 `json:"repo_path"`
	Steps    []models.RequestedStep `json:"steps"`
	JobID    string                 `json:"job_id,omitempty"`
}

// JobService is the job-control surface the service layer drives. Submit
// returns immediately with the job ID; execution proceeds asynchronously.
type JobService interface {
	// Submit validates the pipeline and starts it. Returns the initial job
	// state. Fails synchronously with InvalidPipeline or RepoNotAccessible.
	Submit(ctx context.Context, req *SubmitRequest) (*models.Job, error)

	// GetJob returns the current state of a job including every step state.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns jobs matching the filter, paginated.
	ListJobs(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, error)

	// Cancel requests cooperative cancellation. Idempotent; cancelling a
	// terminal job is a no-op success.
	Cancel(ctx context.Context, jobID string) error

	// WaitForJob blocks until the job reaches a terminal state or the
	// context is done. Intended for tests and CLI use.
	WaitForJob(ctx context.Context, jobID string) (*models.Job, error)
}
