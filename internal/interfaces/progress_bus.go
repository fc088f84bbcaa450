package interfaces

import (
	"context"

	"github.com/ternarybob/codestory/internal/models"
)

// Subscription is a live progress stream for one job. Events delivers in
// sequence order; slow consumers are detached once their buffer fills and
// must fall back to a snapshot read.
type Subscription struct {
	ID     string
	JobID  string
	Events <-chan models.ProgressEvent
}

// ProgressBus is the fan-out pub/sub surface for pipeline progress,
// keyed by job ID. Producers publish structured events; consumers either
// stream a subscription or read an authoritative snapshot.
type ProgressBus interface {
	// Publish delivers an event to all subscribers of its job and appends
	// it to the persisted event log for later resume.
	Publish(ctx context.Context, event models.ProgressEvent) error

	// Subscribe opens a stream for a job. Events already persisted with
	// sequence > sinceSequence are replayed first, in order, when they
	// are still within the retention TTL.
	Subscribe(ctx context.Context, jobID string, sinceSequence uint64) (*Subscription, error)

	// Unsubscribe detaches a subscription and closes its channel.
	Unsubscribe(subscriptionID string)

	// Snapshot returns the retained events for a job with
	// sequence > sinceSequence. Authoritative even after subscriber drops.
	Snapshot(ctx context.Context, jobID string, sinceSequence uint64) ([]models.ProgressEvent, error)

	// TrimExpired removes retained events older than the retention TTL.
	TrimExpired(ctx context.Context) (int, error)

	// Close detaches all subscribers.
	Close() error
}

// ProgressPublisher is the narrow producer-side handle a step receives in
// its context. Sequence assignment happens behind this interface.
type ProgressPublisher interface {
	// Progress reports intra-step progress. Percent must be non-decreasing
	// within an attempt.
	Progress(percent float64, message string, counters map[string]int)
}
