package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/shadowtwin/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// JobMutator applies an in-place change to a job under the storage's per-job
// lock. It must not retain the job pointer past the call.
type JobMutator func(job *models.Job)

// JobListOptions filters and pages job listings
type JobListOptions struct {
	LibraryID string
	Status    string
	SourceID  string
	BatchID   string
	Limit     int
	Offset    int
}

// JobStorage is the single owner of job state. All writers mutate through it:
// transitions are read-checked against the current step status under a
// per-job lock, so a stale precondition becomes a no-op instead of a race.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)

	// LatestJobForSource returns the most recent prior job for a source item,
	// or ErrNotFound. Used by the extract gate.
	LatestJobForSource(ctx context.Context, libraryID, sourceItemID string) (*models.Job, error)

	// TransitionStep moves one step from any of the expected statuses to the
	// target status, applying mutate under the same lock. Returns false
	// without error when the precondition no longer holds (concurrent
	// redelivery), which callers treat as a no-op.
	TransitionStep(ctx context.Context, jobID string, phase models.Phase, from []models.StepStatus, to models.StepStatus, mutate JobMutator) (bool, error)

	// UpdateJob applies a field-scoped mutation under the per-job lock
	UpdateJob(ctx context.Context, jobID string, mutate JobMutator) error

	// TouchJob bumps UpdatedAt without touching any other field (liveness)
	TouchJob(ctx context.Context, jobID string) error

	// StaleRunningJobs returns running jobs whose UpdatedAt is older than the
	// threshold. Used by the sweep that covers process restarts.
	StaleRunningJobs(ctx context.Context, olderThanSeconds int) ([]*models.Job, error)
}

// ArtifactStorage persists Shadow-Twin markdown plus binary fragments keyed by
// ArtifactKey. The core never touches raw storage paths.
type ArtifactStorage interface {
	Exists(ctx context.Context, libraryID string, key models.ArtifactKey) (bool, error)
	Get(ctx context.Context, libraryID string, key models.ArtifactKey) (*models.Artifact, error)
	Put(ctx context.Context, libraryID string, key models.ArtifactKey, markdown string, frontmatter map[string]interface{}, fragments []models.BinaryFragment) (string, error)
	GetFragment(ctx context.Context, artifactID, name string) (*models.BinaryFragment, error)

	// PublishFinal atomically swaps the indexed flag from the transcript
	// variant to the final (transformed) variant of the same source, with no
	// window where neither or both are indexed.
	PublishFinal(ctx context.Context, libraryID string, finalKey models.ArtifactKey) error

	// SiblingExists reports whether any artifact for the source matches the
	// expected naming convention, regardless of template. Used by the extract
	// gate.
	SiblingExists(ctx context.Context, libraryID, sourceID string, kind models.ArtifactKind, targetLanguage string) (bool, error)
}

// BatchStorage aggregates job counts per batch
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	// RecordJobOutcome increments the completed or failed counter and settles
	// the aggregate status.
	RecordJobOutcome(ctx context.Context, batchID string, failed bool) error
}

// TraceStorage persists per-job trace entries (best effort)
type TraceStorage interface {
	AppendEntries(ctx context.Context, jobID string, entries []models.TraceEntry) error
	GetEntries(ctx context.Context, jobID string, limit int) ([]models.TraceEntry, error)
	DeleteEntries(ctx context.Context, jobID string) error
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	JobStorage() JobStorage
	ArtifactStorage() ArtifactStorage
	BatchStorage() BatchStorage
	TraceStorage() TraceStorage
	Close() error
}
