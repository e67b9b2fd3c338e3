package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BatchStorage implements the BatchStorage interface for Badger. Counter
// increments serialize through one mutex; batch updates are rare enough that
// striping is not worth it.
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) RecordJobOutcome(ctx context.Context, batchID string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch models.Batch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to load batch: %w", err)
	}

	if failed {
		batch.FailedJobs++
	} else {
		batch.CompletedJobs++
	}
	batch.Settle()
	batch.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(batch.ID, &batch); err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}

	s.logger.Debug().
		Str("batch_id", batchID).
		Int("completed", batch.CompletedJobs).
		Int("failed", batch.FailedJobs).
		Str("status", string(batch.Status)).
		Msg("Batch counters updated")

	return nil
}
