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

// JobStorage implements the JobStorage interface for Badger. Badger has no
// conditional update primitive, so every mutation of a job goes through a
// per-job mutex: TransitionStep re-reads the record under the lock and checks
// its precondition against the current step status before writing.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  sync.Map // jobID -> *sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) lock(jobID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if err := job.Validate(); err != nil {
		return err
	}

	mu := s.lock(job.ID)
	mu.Lock()
	defer mu.Unlock()

	job.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.LibraryID != "" {
			query = query.And("LibraryID").Eq(opts.LibraryID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	// SourceID and BatchID live on nested structs badgerhold cannot index,
	// so those filters are applied in Go.
	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if opts != nil && opts.SourceID != "" && jobs[i].Correlation.SourceItemID != opts.SourceID {
			continue
		}
		if opts != nil && opts.BatchID != "" && jobs[i].Parameters.BatchID != opts.BatchID {
			continue
		}
		result = append(result, &jobs[i])
	}
	return result, nil
}

func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) LatestJobForSource(ctx context.Context, libraryID, sourceItemID string) (*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("LibraryID").Eq(libraryID).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query jobs for source: %w", err)
	}
	for i := range jobs {
		if jobs[i].Correlation.SourceItemID == sourceItemID {
			return &jobs[i], nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *JobStorage) TransitionStep(ctx context.Context, jobID string, phase models.Phase, from []models.StepStatus, to models.StepStatus, mutate interfaces.JobMutator) (bool, error) {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, interfaces.ErrNotFound
		}
		return false, fmt.Errorf("failed to load job for transition: %w", err)
	}

	step := job.Step(phase)
	if step == nil {
		return false, fmt.Errorf("job %s has no step %s", jobID, phase)
	}

	matched := false
	for _, status := range from {
		if step.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("phase", string(phase)).
			Str("current", string(step.Status)).
			Str("target", string(to)).
			Msg("Step transition precondition not met, treating as no-op")
		return false, nil
	}

	now := time.Now()
	step.Status = to
	switch to {
	case models.StepStatusRunning:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
	case models.StepStatusCompleted, models.StepStatusFailed:
		step.EndedAt = &now
	}

	if mutate != nil {
		mutate(&job)
	}
	job.UpdatedAt = now

	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return false, fmt.Errorf("failed to persist step transition: %w", err)
	}
	return true, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, mutate interfaces.JobMutator) error {
	mu := s.lock(jobID)
	mu.Lock()
	defer mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to load job for update: %w", err)
	}

	if mutate != nil {
		mutate(&job)
	}
	job.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to persist job update: %w", err)
	}
	return nil
}

func (s *JobStorage) TouchJob(ctx context.Context, jobID string) error {
	return s.UpdateJob(ctx, jobID, func(job *models.Job) {})
}

func (s *JobStorage) StaleRunningJobs(ctx context.Context, olderThanSeconds int) ([]*models.Job, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)

	var jobs []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusRunning)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}

	result := make([]*models.Job, 0)
	for i := range jobs {
		if jobs[i].UpdatedAt.Before(cutoff) {
			result = append(result, &jobs[i])
		}
	}
	return result, nil
}
