package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// EventStorage implements the EventStorage interface for Badger.
// Events form a linear per-job log trimmed by TTL; the bus replays from
// here for since-sequence resume.
type EventStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEventStorage creates a new EventStorage instance
func NewEventStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EventStorage {
	return &EventStorage{
		db:     db,
		logger: logger,
	}
}

func (s *EventStorage) AppendEvent(ctx context.Context, event *models.ProgressEvent) error {
	if event.ID == "" {
		event.ID = common.NewEventID()
	}
	if event.JobID == "" {
		return fmt.Errorf("event job ID is required")
	}

	if err := s.db.Store().Insert(event.ID, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *EventStorage) EventsSince(ctx context.Context, jobID string, sinceSequence uint64) ([]models.ProgressEvent, error) {
	var events []models.ProgressEvent
	query := badgerhold.Where("JobID").Eq(jobID)
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	filtered := events[:0]
	for _, e := range events {
		if e.Sequence > sinceSequence {
			filtered = append(filtered, e)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Sequence < filtered[j].Sequence
	})
	return filtered, nil
}

func (s *EventStorage) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var expired []models.ProgressEvent
	query := badgerhold.Where("Timestamp").Lt(cutoff)
	if err := s.db.Store().Find(&expired, query); err != nil {
		return 0, fmt.Errorf("failed to find expired events: %w", err)
	}

	trimmed := 0
	for i := range expired {
		if err := s.db.Store().Delete(expired[i].ID, &models.ProgressEvent{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return trimmed, fmt.Errorf("failed to trim event: %w", err)
		}
		trimmed++
	}

	if trimmed > 0 {
		s.logger.Debug().Int("trimmed", trimmed).Msg("Trimmed expired progress events")
	}
	return trimmed, nil
}
