// -----------------------------------------------------------------------
// Progress Bus - fan-out pub/sub for pipeline progress events
// -----------------------------------------------------------------------

package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

// subscriber is one attached consumer with a bounded buffer. A consumer
// that falls behind past its buffer is detached; the persisted snapshot
// remains authoritative.
type subscriber struct {
	id     string
	jobID  string
	events chan models.ProgressEvent
	closed bool

	// minSequence is the highest sequence already delivered via replay.
	// Live fan-out skips events at or below it so an event that lands in
	// both the replay and the live stream is delivered once.
	minSequence uint64
}

// Bus implements interfaces.ProgressBus: live fan-out keyed by job ID
// backed by the persisted event log for snapshot and resume.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber          // subscription ID -> subscriber
	byJob       map[string]map[string]*subscriber // job ID -> subscription ID -> subscriber
	storage     interfaces.EventStorage
	bufferSize  int
	retention   time.Duration
	logger      arbor.ILogger
}

// NewBus creates a progress bus over the persisted event log.
func NewBus(storage interfaces.EventStorage, bufferSize int, retention time.Duration, logger arbor.ILogger) *Bus {
	if bufferSize < 1 {
		bufferSize = 256
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		byJob:       make(map[string]map[string]*subscriber),
		storage:     storage,
		bufferSize:  bufferSize,
		retention:   retention,
		logger:      logger,
	}
}

// Publish persists the event then fans it out. A full subscriber buffer
// detaches that subscriber rather than stalling the publisher.
func (b *Bus) Publish(ctx context.Context, event models.ProgressEvent) error {
	if event.ID == "" {
		event.ID = common.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := b.storage.AppendEvent(ctx, &event); err != nil {
		// Live delivery still proceeds; the snapshot just loses this event.
		b.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("Failed to persist progress event")
	}

	// Sends happen under the read lock: channels are only closed under
	// the write lock, so a detach can never race a send on the same
	// channel.
	b.mu.RLock()
	var dropped []string
	for _, sub := range b.byJob[event.JobID] {
		if event.Sequence != 0 && event.Sequence <= sub.minSequence {
			continue
		}
		select {
		case sub.events <- event:
		default:
			dropped = append(dropped, sub.id)
		}
	}
	b.mu.RUnlock()

	for _, id := range dropped {
		b.logger.Warn().
			Str("subscription_id", id).
			Str("job_id", event.JobID).
			Msg("Detaching slow progress subscriber")
		b.Unsubscribe(id)
	}
	return nil
}

// Subscribe opens a stream for a job, replaying retained events with
// sequence > sinceSequence before live delivery.
func (b *Bus) Subscribe(ctx context.Context, jobID string, sinceSequence uint64) (*interfaces.Subscription, error) {
	// Replay and registration happen under the write lock so no event
	// published in between can fall outside both the replay and the
	// live stream.
	b.mu.Lock()
	defer b.mu.Unlock()

	replay, err := b.storage.EventsSince(ctx, jobID, sinceSequence)
	if err != nil {
		return nil, err
	}

	// Buffer must hold the full replay so preloading cannot block.
	size := b.bufferSize
	if len(replay) >= size {
		size = len(replay) + b.bufferSize
	}

	sub := &subscriber{
		id:     common.NewSubscriberID(),
		jobID:  jobID,
		events: make(chan models.ProgressEvent, size),
	}
	lastReplayed := sinceSequence
	for _, e := range replay {
		sub.events <- e
		lastReplayed = e.Sequence
	}
	sub.minSequence = lastReplayed

	b.subscribers[sub.id] = sub
	if b.byJob[jobID] == nil {
		b.byJob[jobID] = make(map[string]*subscriber)
	}
	b.byJob[jobID][sub.id] = sub

	b.logger.Debug().
		Str("subscription_id", sub.id).
		Str("job_id", jobID).
		Int64("since_sequence", int64(sinceSequence)).
		Int64("replayed_to", int64(lastReplayed)).
		Msg("Progress subscriber attached")

	return &interfaces.Subscription{ID: sub.id, JobID: jobID, Events: sub.events}, nil
}

// Unsubscribe detaches a subscription and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subscriptionID]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(b.subscribers, subscriptionID)
	if jobSubs, ok := b.byJob[sub.jobID]; ok {
		delete(jobSubs, subscriptionID)
		if len(jobSubs) == 0 {
			delete(b.byJob, sub.jobID)
		}
	}
	close(sub.events)
}

// Snapshot returns retained events for a job after sinceSequence.
func (b *Bus) Snapshot(ctx context.Context, jobID string, sinceSequence uint64) ([]models.ProgressEvent, error) {
	return b.storage.EventsSince(ctx, jobID, sinceSequence)
}

// TrimExpired drops events older than the retention TTL.
func (b *Bus) TrimExpired(ctx context.Context) (int, error) {
	return b.storage.TrimBefore(ctx, time.Now().Add(-b.retention))
}

// Close detaches all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.events)
		}
		delete(b.subscribers, id)
	}
	b.byJob = make(map[string]map[string]*subscriber)
	b.logger.Info().Msg("Progress bus closed")
	return nil
}
