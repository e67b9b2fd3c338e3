package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxTraceEntries caps the per-job trace log; older entries roll off
const maxTraceEntries = 2000

type traceRecord struct {
	JobID   string
	Entries []models.TraceEntry
}

// TraceStorage implements the TraceStorage interface for Badger
type TraceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewTraceStorage creates a new TraceStorage instance
func NewTraceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TraceStorage {
	return &TraceStorage{
		db:     db,
		logger: logger,
	}
}

func traceKey(jobID string) string {
	return "trace:" + jobID
}

func (s *TraceStorage) AppendEntries(ctx context.Context, jobID string, entries []models.TraceEntry) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := traceRecord{JobID: jobID}
	if err := s.db.Store().Get(traceKey(jobID), &record); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to load trace log: %w", err)
	}

	record.Entries = append(record.Entries, entries...)
	if len(record.Entries) > maxTraceEntries {
		record.Entries = record.Entries[len(record.Entries)-maxTraceEntries:]
	}

	if err := s.db.Store().Upsert(traceKey(jobID), &record); err != nil {
		return fmt.Errorf("failed to save trace log: %w", err)
	}
	return nil
}

func (s *TraceStorage) GetEntries(ctx context.Context, jobID string, limit int) ([]models.TraceEntry, error) {
	var record traceRecord
	if err := s.db.Store().Get(traceKey(jobID), &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return []models.TraceEntry{}, nil
		}
		return nil, fmt.Errorf("failed to get trace log: %w", err)
	}

	entries := record.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *TraceStorage) DeleteEntries(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(traceKey(jobID), &traceRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete trace log: %w", err)
	}
	return nil
}
