package diagnosis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/brandlens/brandlens/internal/telemetry"
)

// DeadLetterService records executions and cells that exhausted automatic
// recovery. Entries live in their own table, independent of the execution
// row, so a crash after retries are exhausted never silently drops the
// failure. Entries are never deleted, only flagged resolved.
type DeadLetterService struct {
	repo    Repository
	metrics *telemetry.Metrics
	logger  *log.Logger
}

func NewDeadLetterService(repo Repository, metrics *telemetry.Metrics) *DeadLetterService {
	return &DeadLetterService{
		repo:    repo,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[DLQ] ", log.LstdFlags),
	}
}

// Record appends a dead letter entry. cellKey is empty for execution-level
// failures (timeout, cancellation).
func (s *DeadLetterService) Record(ctx context.Context, executionID, cellKey, reason string) (DeadLetterEntry, error) {
	entry := DeadLetterEntry{
		ID:            uuid.NewString(),
		ExecutionID:   executionID,
		CellKey:       cellKey,
		Reason:        reason,
		FirstFailedAt: time.Now().UTC(),
	}
	id, err := s.repo.InsertDeadLetter(ctx, entry)
	if err != nil {
		return DeadLetterEntry{}, fmt.Errorf("record dead letter: %w", err)
	}
	entry.ID = id
	s.metrics.RecordDeadLetter()
	if cellKey == "" {
		s.logger.Printf("execution %s dead-lettered: %s", executionID, reason)
	} else {
		s.logger.Printf("cell %s of execution %s dead-lettered: %s", cellKey, executionID, reason)
	}
	return entry, nil
}

// List returns entries matching the filter, newest first.
func (s *DeadLetterService) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.ListDeadLetters(ctx, filter)
}

// Get returns one entry by id.
func (s *DeadLetterService) Get(ctx context.Context, entryID string) (DeadLetterEntry, error) {
	return s.repo.GetDeadLetter(ctx, entryID)
}
