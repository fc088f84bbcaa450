package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/codestory/internal/models"
)

// JobStorage persists job records keyed by job ID.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// EventStorage persists the linear progress event log per job, trimmed by TTL.
type EventStorage interface {
	AppendEvent(ctx context.Context, event *models.ProgressEvent) error
	EventsSince(ctx context.Context, jobID string, sinceSequence uint64) ([]models.ProgressEvent, error)
	TrimBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageManager owns the badger connection and the typed storages on it.
type StorageManager interface {
	JobStorage() JobStorage
	EventStorage() EventStorage

	// RunValueLogGC triggers badger value-log garbage collection.
	RunValueLogGC() error

	Close() error
}
