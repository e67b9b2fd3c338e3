package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory storage fakes mirroring the Badger implementations' semantics,
// in particular TransitionStep's precondition check.
// ---------------------------------------------------------------------------

type memJobStorage struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemJobStorage() *memJobStorage {
	return &memJobStorage{jobs: make(map[string]*models.Job)}
}

func (s *memJobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job
	return nil
}

func (s *memJobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return job, nil
}

func (s *memJobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Job
	for _, job := range s.jobs {
		result = append(result, job)
	}
	return result, nil
}

func (s *memJobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *memJobStorage) LatestJobForSource(ctx context.Context, libraryID, sourceItemID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Job
	for _, job := range s.jobs {
		if job.LibraryID != libraryID || job.Correlation.SourceItemID != sourceItemID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, interfaces.ErrNotFound
	}
	return latest, nil
}

func (s *memJobStorage) TransitionStep(ctx context.Context, jobID string, phase models.Phase, from []models.StepStatus, to models.StepStatus, mutate interfaces.JobMutator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	step := job.Step(phase)
	if step == nil {
		return false, interfaces.ErrNotFound
	}
	matched := false
	for _, status := range from {
		if step.Status == status {
			matched = true
			break
		}
	}
	if !matched {
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
		mutate(job)
	}
	job.UpdatedAt = now
	return true, nil
}

func (s *memJobStorage) UpdateJob(ctx context.Context, jobID string, mutate interfaces.JobMutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if mutate != nil {
		mutate(job)
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (s *memJobStorage) TouchJob(ctx context.Context, jobID string) error {
	return s.UpdateJob(ctx, jobID, func(job *models.Job) {})
}

func (s *memJobStorage) StaleRunningJobs(ctx context.Context, olderThanSeconds int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var stale []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobStatusRunning && job.UpdatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}

type memArtifactStorage struct {
	mu        sync.Mutex
	artifacts map[string]*models.Artifact
	fragments map[string]*models.BinaryFragment
	nextID    int
}

func newMemArtifactStorage() *memArtifactStorage {
	return &memArtifactStorage{
		artifacts: make(map[string]*models.Artifact),
		fragments: make(map[string]*models.BinaryFragment),
	}
}

func (s *memArtifactStorage) key(libraryID string, key models.ArtifactKey) string {
	return libraryID + "|" + key.String()
}

func (s *memArtifactStorage) Exists(ctx context.Context, libraryID string, key models.ArtifactKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.artifacts[s.key(libraryID, key)]
	return ok, nil
}

func (s *memArtifactStorage) Get(ctx context.Context, libraryID string, key models.ArtifactKey) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[s.key(libraryID, key)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return artifact, nil
}

func (s *memArtifactStorage) Put(ctx context.Context, libraryID string, key models.ArtifactKey, markdown string, frontmatter map[string]interface{}, fragments []models.BinaryFragment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := "art_" + string(rune('a'+s.nextID%26)) + key.String()
	if existing, ok := s.artifacts[s.key(libraryID, key)]; ok {
		id = existing.ID
	}
	names := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		f := frag
		s.fragments[id+":"+frag.Name] = &f
		names = append(names, frag.Name)
	}
	s.artifacts[s.key(libraryID, key)] = &models.Artifact{
		ID:             id,
		LibraryID:      libraryID,
		SourceID:       key.SourceID,
		Kind:           key.Kind,
		TargetLanguage: key.TargetLanguage,
		TemplateName:   key.TemplateName,
		Markdown:       markdown,
		Frontmatter:    frontmatter,
		FragmentNames:  names,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return id, nil
}

func (s *memArtifactStorage) GetFragment(ctx context.Context, artifactID, name string) (*models.BinaryFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fragment, ok := s.fragments[artifactID+":"+name]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return fragment, nil
}

func (s *memArtifactStorage) PublishFinal(ctx context.Context, libraryID string, finalKey models.ArtifactKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	final, ok := s.artifacts[s.key(libraryID, finalKey)]
	if !ok {
		return interfaces.ErrNotFound
	}
	for _, artifact := range s.artifacts {
		if artifact.LibraryID == libraryID && artifact.SourceID == finalKey.SourceID {
			artifact.Indexed = false
		}
	}
	final.Indexed = true
	return nil
}

func (s *memArtifactStorage) SiblingExists(ctx context.Context, libraryID, sourceID string, kind models.ArtifactKind, targetLanguage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, artifact := range s.artifacts {
		if artifact.LibraryID == libraryID && artifact.SourceID == sourceID &&
			artifact.Kind == kind && artifact.TargetLanguage == targetLanguage {
			return true, nil
		}
	}
	return false, nil
}

type memBatchStorage struct {
	mu      sync.Mutex
	batches map[string]*models.Batch
}

func newMemBatchStorage() *memBatchStorage {
	return &memBatchStorage{batches: make(map[string]*models.Batch)}
}

func (s *memBatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = batch
	return nil
}

func (s *memBatchStorage) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return batch, nil
}

func (s *memBatchStorage) RecordJobOutcome(ctx context.Context, batchID string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if failed {
		batch.FailedJobs++
	} else {
		batch.CompletedJobs++
	}
	batch.Settle()
	return nil
}

type memTraceStorage struct {
	mu      sync.Mutex
	entries map[string][]models.TraceEntry
}

func newMemTraceStorage() *memTraceStorage {
	return &memTraceStorage{entries: make(map[string][]models.TraceEntry)}
}

func (s *memTraceStorage) AppendEntries(ctx context.Context, jobID string, entries []models.TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jobID] = append(s.entries[jobID], entries...)
	return nil
}

func (s *memTraceStorage) GetEntries(ctx context.Context, jobID string, limit int) ([]models.TraceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[jobID], nil
}

func (s *memTraceStorage) DeleteEntries(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jobID)
	return nil
}

type memStorageManager struct {
	jobs      *memJobStorage
	artifacts *memArtifactStorage
	batches   *memBatchStorage
	traces    *memTraceStorage
}

func newMemStorageManager() *memStorageManager {
	return &memStorageManager{
		jobs:      newMemJobStorage(),
		artifacts: newMemArtifactStorage(),
		batches:   newMemBatchStorage(),
		traces:    newMemTraceStorage(),
	}
}

func (m *memStorageManager) JobStorage() interfaces.JobStorage           { return m.jobs }
func (m *memStorageManager) ArtifactStorage() interfaces.ArtifactStorage { return m.artifacts }
func (m *memStorageManager) BatchStorage() interfaces.BatchStorage       { return m.batches }
func (m *memStorageManager) TraceStorage() interfaces.TraceStorage       { return m.traces }
func (m *memStorageManager) Close() error                                { return nil }

// ---------------------------------------------------------------------------
// Compute and ingest fakes
// ---------------------------------------------------------------------------

type fakeCompute struct {
	mu                 sync.Mutex
	extractDispatches  []string
	extractTokens      []string
	transformDispatch  []string
	transformTokens    []string
	extractErr         error
	transformErr       error
	downloadPayload    []byte
	downloadErr        error
	downloadProcessIDs []string
}

func (c *fakeCompute) DispatchExtract(ctx context.Context, req *interfaces.DispatchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extractErr != nil {
		return c.extractErr
	}
	c.extractDispatches = append(c.extractDispatches, req.Job.ID)
	c.extractTokens = append(c.extractTokens, req.CallbackToken)
	return nil
}

func (c *fakeCompute) DispatchTransform(ctx context.Context, req *interfaces.DispatchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transformErr != nil {
		return c.transformErr
	}
	c.transformDispatch = append(c.transformDispatch, req.Job.ID)
	c.transformTokens = append(c.transformTokens, req.CallbackToken)
	return nil
}

func (c *fakeCompute) DownloadRawResult(ctx context.Context, processID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadProcessIDs = append(c.downloadProcessIDs, processID)
	if c.downloadErr != nil {
		return nil, c.downloadErr
	}
	return c.downloadPayload, nil
}

func (c *fakeCompute) extractCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.extractDispatches)
}

func (c *fakeCompute) transformCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transformDispatch)
}

func (c *fakeCompute) lastExtractToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.extractTokens) == 0 {
		return ""
	}
	return c.extractTokens[len(c.extractTokens)-1]
}

func (c *fakeCompute) lastTransformToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transformTokens) == 0 {
		return ""
	}
	return c.transformTokens[len(c.transformTokens)-1]
}

type fakeIngest struct {
	mu        sync.Mutex
	calls     int
	replace   []bool
	has       bool
	hasErr    error
	ingestErr error
	chunks    int
}

func (f *fakeIngest) Ingest(ctx context.Context, libraryID, fileID, markdown string, replace bool) (*interfaces.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	f.calls++
	f.replace = append(f.replace, replace)
	chunks := f.chunks
	if chunks == 0 {
		chunks = 3
	}
	return &interfaces.IngestResult{ChunkCount: chunks, VectorCount: chunks}, nil
}

func (f *fakeIngest) HasVectors(ctx context.Context, libraryID, fileID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.has, f.hasErr
}

func (f *fakeIngest) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
