// -----------------------------------------------------------------------
// Job - durable record of one ingestion pipeline run
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal returns true once the job can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobType classifies the source media
type JobType string

const (
	JobTypePDF   JobType = "pdf"
	JobTypeAudio JobType = "audio"
	JobTypeVideo JobType = "video"
)

// Phase is one stage of the fixed pipeline sequence
type Phase string

const (
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform_template"
	PhaseStore     Phase = "store_shadow_twin"
	PhaseIngest    Phase = "ingest_rag"
)

// Phases is the fixed pipeline order. Steps are created in this order at job
// creation and progress strictly left to right.
var Phases = []Phase{PhaseExtract, PhaseTransform, PhaseStore, PhaseIngest}

// StepStatus represents the state of one pipeline step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// JobStep is one phase record on a job
type JobStep struct {
	Name      Phase                  `json:"name"`
	Status    StepStatus             `json:"status"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	Error     *JobError              `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// MarkSkipped records a gate/policy decision not to run the step. The step
// stays terminal-completed from the sequencing point of view.
func (s *JobStep) MarkSkipped(reason string) {
	now := time.Now()
	s.Status = StepStatusCompleted
	s.EndedAt = &now
	if s.Details == nil {
		s.Details = make(map[string]interface{})
	}
	s.Details["skipped"] = true
	s.Details["reason"] = reason
}

// Skipped reports whether the step was recorded as skipped
func (s *JobStep) Skipped() bool {
	if s.Details == nil {
		return false
	}
	skipped, _ := s.Details["skipped"].(bool)
	return skipped
}

// JobError is the structured error recorded on a failed job or step
type JobError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Well-known error codes. Phase-specific codes extend this set.
const (
	ErrCodeDispatchFailed  = "dispatch_failed"
	ErrCodeAuthFailed      = "auth_failed"
	ErrCodeStalled         = "stalled"
	ErrCodeExtractFailed   = "extract_failed"
	ErrCodeTemplateFailed  = "template_failed"
	ErrCodeIngestFailed    = "ingest_failed"
	ErrCodeWorkerException = "worker_exception"
)

// Correlation is the immutable description of the source item captured at job
// creation. It never changes after the job is enqueued.
type Correlation struct {
	MediaType      string `json:"media_type"`
	MimeType       string `json:"mime_type"`
	FileName       string `json:"file_name"`
	SourceItemID   string `json:"source_item_id"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`

	TargetLanguage   string `json:"target_language,omitempty"`
	ExtractionMethod string `json:"extraction_method,omitempty"`
	IncludeImages    bool   `json:"include_images,omitempty"`
	IncludePages     bool   `json:"include_pages,omitempty"`

	// Pre-flight metadata gathered before dispatch (PDF page count etc.)
	PageCount int `json:"page_count,omitempty"`

	BatchID   string `json:"batch_id,omitempty"`
	BatchName string `json:"batch_name,omitempty"`
}

// JobParameters is the mutable run configuration. A re-run request may amend
// it (e.g. a different template) before re-dispatch.
type JobParameters struct {
	TemplateName string        `json:"template_name,omitempty"`
	Policies     PhasePolicies `json:"policies"`
	BatchID      string        `json:"batch_id,omitempty"`
}

// MetaEvent is one entry of the append-only metadata-merge log
type MetaEvent struct {
	Source    string                 `json:"source"` // e.g. "template_transform", "chapter_analysis"
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Metadata-merge sources recorded in MetaHistory
const (
	MetaSourceTemplateTransform = "template_transform"
	MetaSourceChapterAnalysis   = "chapter_analysis"
)

// JobResult is the terminal payload of a completed job
type JobResult struct {
	SavedItemID string `json:"saved_item_id,omitempty"` // artifact key reference
	ChunkCount  int    `json:"chunk_count,omitempty"`
	VectorCount int    `json:"vector_count,omitempty"`
}

// Job is the single durable, mutable record of one pipeline run. The job
// storage is its only owner; callback processing and the watchdog mutate it
// exclusively through storage-level conditional updates.
type Job struct {
	ID            string `json:"id"`
	JobSecretHash string `json:"-"` // SHA-256 of the callback secret; plaintext never stored

	Status    JobStatus `json:"status"`
	JobType   JobType   `json:"job_type"`
	Operation string    `json:"operation"` // e.g. "extract"

	LibraryID string `json:"library_id"`
	UserEmail string `json:"user_email"`

	Correlation Correlation   `json:"correlation"`
	Parameters  JobParameters `json:"parameters"`

	Steps       []JobStep   `json:"steps"`
	MetaHistory []MetaEvent `json:"meta_history,omitempty"`

	Result *JobResult `json:"result,omitempty"`
	Error  *JobError  `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a queued job with all steps pending
func NewJob(id, secretHash string, jobType JobType, libraryID, userEmail string, corr Correlation, params JobParameters) *Job {
	now := time.Now()
	steps := make([]JobStep, 0, len(Phases))
	for _, phase := range Phases {
		steps = append(steps, JobStep{Name: phase, Status: StepStatusPending})
	}
	return &Job{
		ID:            id,
		JobSecretHash: secretHash,
		Status:        JobStatusQueued,
		JobType:       jobType,
		Operation:     "extract",
		LibraryID:     libraryID,
		UserEmail:     userEmail,
		Correlation:   corr,
		Parameters:    params,
		Steps:         steps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns a pointer to the named step, or nil
func (j *Job) Step(phase Phase) *JobStep {
	for i := range j.Steps {
		if j.Steps[i].Name == phase {
			return &j.Steps[i]
		}
	}
	return nil
}

// StepStatus returns the status of the named step, or pending if absent
func (j *Job) StepStatus(phase Phase) StepStatus {
	if s := j.Step(phase); s != nil {
		return s.Status
	}
	return StepStatusPending
}

// HasMetaSource reports whether the metadata-merge log contains an entry from
// the given source. Used by the transform gate to detect a prior complete
// metadata derivation.
func (j *Job) HasMetaSource(source string) bool {
	for _, event := range j.MetaHistory {
		if event.Source == source {
			return true
		}
	}
	return false
}

// Validate validates the job record
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.JobSecretHash == "" {
		return fmt.Errorf("job secret hash is required")
	}
	if j.LibraryID == "" {
		return fmt.Errorf("library ID is required")
	}
	if j.Correlation.SourceItemID == "" {
		return fmt.Errorf("source item ID is required")
	}
	switch j.JobType {
	case JobTypePDF, JobTypeAudio, JobTypeVideo:
	default:
		return fmt.Errorf("invalid job type: %s", j.JobType)
	}
	return nil
}
