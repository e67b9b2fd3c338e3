// -----------------------------------------------------------------------
// Pipeline service - job creation and phase sequencing for the
// Shadow-Twin ingestion pipeline
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
	"github.com/ternarybob/shadowtwin/internal/services/frontmatter"
	"github.com/ternarybob/shadowtwin/internal/services/gates"
	"github.com/ternarybob/shadowtwin/internal/services/policy"
	"github.com/ternarybob/shadowtwin/internal/services/secretary"
)

// Skip reasons recorded on step details
const (
	skipReasonPhaseDisabled = "phase_disabled"
	skipReasonAlreadyExists = "already_exists"
	skipReasonNoNewOutput   = "no_new_output"
)

// CreateJobRequest is the job creation payload. Legacy boolean phase flags
// and the explicit policy map are both accepted; they are normalized once
// here and never consulted again downstream.
type CreateJobRequest struct {
	LibraryID string `json:"library_id" validate:"required"`
	UserEmail string `json:"user_email" validate:"omitempty,email"`
	JobType   string `json:"job_type" validate:"required,oneof=pdf audio video"`

	FileName       string `json:"file_name" validate:"required"`
	MimeType       string `json:"mime_type"`
	SourceItemID   string `json:"source_item_id" validate:"required"`
	ParentFolderID string `json:"parent_folder_id"`

	TargetLanguage   string `json:"target_language"`
	ExtractionMethod string `json:"extraction_method"`
	IncludeImages    bool   `json:"include_images"`
	IncludePages     bool   `json:"include_pages"`
	TemplateName     string `json:"template_name"`

	// Payload is the inline source document (base64 over JSON); PayloadRef is
	// a storage reference the Secretary resolves itself. One is required.
	Payload    []byte `json:"payload,omitempty"`
	PayloadRef string `json:"payload_ref,omitempty"`

	Policies models.PhasePolicies `json:"policies"`

	DoExtractPDF        *bool `json:"doExtractPDF,omitempty"`
	DoTemplateTransform *bool `json:"doTemplateTransform,omitempty"`
	DoIngestRAG         *bool `json:"doIngestRAG,omitempty"`

	BatchID string `json:"batch_id,omitempty"`
}

// CreateJobResult is returned to the caller exactly once; the plaintext
// secret is not recoverable afterwards.
type CreateJobResult struct {
	Job         *models.Job `json:"job"`
	CallbackURL string      `json:"callback_url"`
	JobSecret   string      `json:"job_secret"`
}

// Service orchestrates the pipeline: it creates jobs, decides which phases
// run, dispatches work to the Secretary and sequences phases as callbacks
// arrive. All job state lives in storage; the service itself is stateless
// apart from the watchdog timer registry.
type Service struct {
	config   *common.Config
	storage  interfaces.StorageManager
	events   interfaces.EventService
	policies *policy.Resolver
	gates    *gates.Evaluator
	compute  interfaces.ComputeClient
	ingest   interfaces.IngestService
	watchdog *Watchdog
	validate *validator.Validate
	logger   arbor.ILogger

	// payloads holds inline source documents between creation and dispatch.
	// They are request-scoped, never persisted.
	payloads payloadCache
}

// NewService creates a new pipeline service
func NewService(config *common.Config, storage interfaces.StorageManager, events interfaces.EventService, gateEval *gates.Evaluator, compute interfaces.ComputeClient, ingest interfaces.IngestService, logger arbor.ILogger) *Service {
	s := &Service{
		config:   config,
		storage:  storage,
		events:   events,
		policies: policy.NewResolver(),
		gates:    gateEval,
		compute:  compute,
		ingest:   ingest,
		validate: validator.New(),
		logger:   logger,
	}
	s.watchdog = NewWatchdog(config.Pipeline.StallTimeout, s.handleStall, logger)
	return s
}

// Watchdog exposes the timer registry, mainly for shutdown
func (s *Service) Watchdog() *Watchdog {
	return s.watchdog
}

// CreateJob validates the request, records the job and advances it through
// the pipeline until the first asynchronous wait (a dispatched phase) or
// completion. The plaintext callback secret is generated here and returned
// exactly once.
func (s *Service) CreateJob(ctx context.Context, req *CreateJobRequest) (*CreateJobResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid job request: %w", err)
	}
	if len(req.Payload) == 0 && req.PayloadRef == "" {
		return nil, fmt.Errorf("invalid job request: payload or payload_ref is required")
	}

	jobType := models.JobType(req.JobType)
	targetLanguage := req.TargetLanguage
	if targetLanguage == "" {
		targetLanguage = "en"
	}

	pageCount := 0
	if jobType == models.JobTypePDF && len(req.Payload) > 0 {
		count, err := secretary.PreflightPDF(req.Payload)
		if err != nil {
			return nil, err
		}
		pageCount = count
	}

	policies := s.policies.Normalize(req.Policies, models.LegacyPhaseFlags{
		DoExtractPDF:        req.DoExtractPDF,
		DoTemplateTransform: req.DoTemplateTransform,
		DoIngestRAG:         req.DoIngestRAG,
	})

	secret := common.NewJobSecret()
	job := models.NewJob(
		common.NewJobID(),
		common.HashSecret(secret),
		jobType,
		req.LibraryID,
		req.UserEmail,
		models.Correlation{
			MediaType:        string(jobType),
			MimeType:         req.MimeType,
			FileName:         req.FileName,
			SourceItemID:     req.SourceItemID,
			ParentFolderID:   req.ParentFolderID,
			TargetLanguage:   targetLanguage,
			ExtractionMethod: req.ExtractionMethod,
			IncludeImages:    req.IncludeImages,
			IncludePages:     req.IncludePages,
			PageCount:        pageCount,
			BatchID:          req.BatchID,
		},
		models.JobParameters{
			TemplateName: req.TemplateName,
			Policies:     policies,
			BatchID:      req.BatchID,
		},
	)

	if err := s.storage.JobStorage().SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if len(req.Payload) > 0 {
		s.payloads.put(job.ID, req.Payload)
	}
	if req.PayloadRef != "" {
		s.payloads.putRef(job.ID, req.PayloadRef)
	}
	// The Secretary echoes this token back on every callback; only the hash
	// survives in storage, so the plaintext rides the cache until dispatch
	s.payloads.putSecret(job.ID, secret)

	s.publish(ctx, interfaces.EventJobCreated, job.ID, string(job.Status), "job created")

	s.jobLogger(job.ID).Info().
		Str("job_id", job.ID).
		Str("job_type", string(jobType)).
		Str("source_item_id", req.SourceItemID).
		Msg("Job created")

	s.Advance(ctx, job.ID)

	final, err := s.storage.JobStorage().GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	return &CreateJobResult{
		Job:         final,
		CallbackURL: s.callbackURL(job.ID),
		JobSecret:   secret,
	}, nil
}

// Advance moves the job to its next asynchronous wait or to completion. It
// walks the pending steps in pipeline order: a step whose policy or gate says
// the work is already done is marked skipped and the walk continues; a step
// needing the Secretary is dispatched and the walk stops until its callback;
// store and ingest execute inline. Any failure inside converts to a failed
// job, never to a panic or a returned error.
func (s *Service) Advance(ctx context.Context, jobID string) {
	for {
		job, err := s.storage.JobStorage().GetJob(ctx, jobID)
		if err != nil {
			s.jobLogger(jobID).Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for sequencing")
			return
		}
		if job.Status.IsTerminal() {
			return
		}

		var next *models.JobStep
		for i := range job.Steps {
			if job.Steps[i].Status == models.StepStatusPending {
				next = &job.Steps[i]
				break
			}
			if job.Steps[i].Status == models.StepStatusRunning {
				// An in-flight phase owns the job until its callback
				return
			}
		}
		if next == nil {
			s.completeJob(ctx, job)
			return
		}

		phase := next.Name
		switch phase {
		case models.PhaseExtract, models.PhaseTransform, models.PhaseIngest:
			decision := s.policies.Resolve(job.Parameters.Policies, phase)
			if !decision.Attempt {
				s.skipStep(ctx, job.ID, phase, decision.Reason)
				continue
			}
			if !decision.Forced {
				if gate := s.gates.Gate(ctx, job, phase); gate.Exists {
					s.skipStep(ctx, job.ID, phase, skipReasonAlreadyExists)
					continue
				}
			}
		case models.PhaseStore:
			if job.Step(models.PhaseExtract).Skipped() && job.Step(models.PhaseTransform).Skipped() {
				s.skipStep(ctx, job.ID, phase, skipReasonNoNewOutput)
				continue
			}
		}

		switch phase {
		case models.PhaseExtract:
			s.dispatchExtract(ctx, job)
			return
		case models.PhaseTransform:
			s.dispatchTransform(ctx, job)
			return
		case models.PhaseStore:
			if !s.runStore(ctx, job) {
				return
			}
		case models.PhaseIngest:
			if !s.runIngest(ctx, job) {
				return
			}
		}
	}
}

func (s *Service) dispatchExtract(ctx context.Context, job *models.Job) {
	ok, err := s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseExtract,
		[]models.StepStatus{models.StepStatusPending}, models.StepStatusRunning, nil)
	if err != nil || !ok {
		if err != nil {
			s.jobLogger(job.ID).Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark extract running")
		}
		return
	}

	payload, payloadRef := s.payloads.take(job.ID)
	err = s.compute.DispatchExtract(ctx, &interfaces.DispatchRequest{
		Job:           job,
		Payload:       payload,
		PayloadRef:    payloadRef,
		CallbackURL:   s.callbackURL(job.ID),
		CallbackToken: s.payloads.secret(job.ID),
	})
	if err != nil {
		s.failJob(ctx, job.ID, models.PhaseExtract, models.ErrCodeDispatchFailed, err.Error(), nil)
		return
	}

	s.watchdog.Bump(job.ID)
	s.publish(ctx, interfaces.EventStepChanged, job.ID, string(models.JobStatusQueued), "extract dispatched")
}

func (s *Service) dispatchTransform(ctx context.Context, job *models.Job) {
	markdown, err := s.transcriptMarkdown(ctx, job)
	if err != nil {
		s.failJob(ctx, job.ID, models.PhaseTransform, models.ErrCodeTemplateFailed,
			fmt.Sprintf("no source markdown for template transform: %v", err), nil)
		return
	}

	ok, err := s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseTransform,
		[]models.StepStatus{models.StepStatusPending}, models.StepStatusRunning, nil)
	if err != nil || !ok {
		if err != nil {
			s.jobLogger(job.ID).Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark transform running")
		}
		return
	}

	err = s.compute.DispatchTransform(ctx, &interfaces.DispatchRequest{
		Job:           job,
		Markdown:      markdown,
		CallbackURL:   s.callbackURL(job.ID),
		CallbackToken: s.payloads.secret(job.ID),
	})
	if err != nil {
		s.failJob(ctx, job.ID, models.PhaseTransform, models.ErrCodeDispatchFailed, err.Error(), nil)
		return
	}

	s.watchdog.Bump(job.ID)
	s.publish(ctx, interfaces.EventStepChanged, job.ID, string(job.Status), "template transform dispatched")
}

// runStore publishes the job's final artifact variant into the index swap.
// Returns false when the job failed inside.
func (s *Service) runStore(ctx context.Context, job *models.Job) bool {
	ok, err := s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseStore,
		[]models.StepStatus{models.StepStatusPending}, models.StepStatusRunning, nil)
	if err != nil || !ok {
		return false
	}

	finalKey := s.finalArtifactKey(job)
	if err := s.storage.ArtifactStorage().PublishFinal(ctx, job.LibraryID, finalKey); err != nil {
		s.failJob(ctx, job.ID, models.PhaseStore, models.ErrCodeWorkerException,
			fmt.Sprintf("failed to publish final artifact: %v", err), nil)
		return false
	}

	ok, err = s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseStore,
		[]models.StepStatus{models.StepStatusRunning}, models.StepStatusCompleted, nil)
	if err != nil || !ok {
		return false
	}

	s.publish(ctx, interfaces.EventStepChanged, job.ID, string(job.Status), "shadow twin stored")
	return true
}

// runIngest indexes the final markdown inline. Returns false when the job
// failed inside.
func (s *Service) runIngest(ctx context.Context, job *models.Job) bool {
	ok, err := s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseIngest,
		[]models.StepStatus{models.StepStatusPending}, models.StepStatusRunning, nil)
	if err != nil || !ok {
		return false
	}

	markdown, err := s.finalMarkdown(ctx, job)
	if err != nil {
		s.failJob(ctx, job.ID, models.PhaseIngest, models.ErrCodeIngestFailed,
			fmt.Sprintf("no final markdown to ingest: %v", err), nil)
		return false
	}

	result, err := s.ingest.Ingest(ctx, job.LibraryID, job.Correlation.SourceItemID, markdown, job.Parameters.Policies.IngestUpsert)
	if err != nil {
		s.failJob(ctx, job.ID, models.PhaseIngest, models.ErrCodeIngestFailed, err.Error(), nil)
		return false
	}

	ok, err = s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseIngest,
		[]models.StepStatus{models.StepStatusRunning}, models.StepStatusCompleted,
		func(j *models.Job) {
			if j.Result == nil {
				j.Result = &models.JobResult{}
			}
			j.Result.ChunkCount = result.ChunkCount
			j.Result.VectorCount = result.VectorCount
		})
	if err != nil || !ok {
		return false
	}

	s.publish(ctx, interfaces.EventStepChanged, job.ID, string(job.Status), "markdown ingested")
	return true
}

func (s *Service) completeJob(ctx context.Context, job *models.Job) {
	changed := false
	err := s.storage.JobStorage().UpdateJob(ctx, job.ID, func(j *models.Job) {
		if j.Status.IsTerminal() {
			return
		}
		j.Status = models.JobStatusCompleted
		changed = true
	})
	if err != nil {
		s.jobLogger(job.ID).Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
		return
	}
	if !changed {
		return
	}

	s.watchdog.Clear(job.ID)
	s.payloads.drop(job.ID)
	s.recordBatchOutcome(ctx, job, false)
	s.publish(ctx, interfaces.EventJobCompleted, job.ID, string(models.JobStatusCompleted), "job completed")

	s.jobLogger(job.ID).Info().Str("job_id", job.ID).Msg("Job completed")
}

// failJob converts any pipeline failure into a terminal job state. It never
// returns an error; a failure to record the failure is logged and dropped so
// the caller's handler path stays clean.
func (s *Service) failJob(ctx context.Context, jobID string, phase models.Phase, code, message string, details map[string]interface{}) {
	jobErr := &models.JobError{Code: code, Message: message, Details: details}

	changed := false
	err := s.storage.JobStorage().UpdateJob(ctx, jobID, func(job *models.Job) {
		if job.Status.IsTerminal() {
			return
		}
		changed = true
		job.Status = models.JobStatusFailed
		job.Error = jobErr
		if step := job.Step(phase); step != nil && step.Status != models.StepStatusCompleted {
			step.Status = models.StepStatusFailed
			step.Error = jobErr
		}
	})
	if err != nil {
		s.jobLogger(jobID).Error().Err(err).Str("job_id", jobID).Str("code", code).Msg("Failed to record job failure")
		return
	}
	if !changed {
		return
	}

	s.watchdog.Clear(jobID)
	s.payloads.drop(jobID)

	if job, err := s.storage.JobStorage().GetJob(ctx, jobID); err == nil {
		s.recordBatchOutcome(ctx, job, true)
	}
	s.publish(ctx, interfaces.EventJobFailed, jobID, string(models.JobStatusFailed), message)

	s.jobLogger(jobID).Warn().
		Str("job_id", jobID).
		Str("phase", string(phase)).
		Str("code", code).
		Str("error", message).
		Msg("Job failed")
}

func (s *Service) skipStep(ctx context.Context, jobID string, phase models.Phase, reason string) {
	_, err := s.storage.JobStorage().TransitionStep(ctx, jobID, phase,
		[]models.StepStatus{models.StepStatusPending}, models.StepStatusCompleted,
		func(job *models.Job) {
			if step := job.Step(phase); step != nil {
				step.MarkSkipped(reason)
			}
		})
	if err != nil {
		s.jobLogger(jobID).Error().Err(err).Str("job_id", jobID).Str("phase", string(phase)).Msg("Failed to mark step skipped")
		return
	}

	s.jobLogger(jobID).Debug().
		Str("job_id", jobID).
		Str("phase", string(phase)).
		Str("reason", reason).
		Msg("Step skipped")

	s.publish(ctx, interfaces.EventStepChanged, jobID, "", "step skipped: "+string(phase))
}

func (s *Service) recordBatchOutcome(ctx context.Context, job *models.Job, failed bool) {
	if job.Parameters.BatchID == "" {
		return
	}
	if err := s.storage.BatchStorage().RecordJobOutcome(ctx, job.Parameters.BatchID, failed); err != nil {
		s.jobLogger(job.ID).Warn().Err(err).Str("batch_id", job.Parameters.BatchID).Msg("Failed to record batch outcome")
	}
}

// transcriptMarkdown loads the extract output used as template input
func (s *Service) transcriptMarkdown(ctx context.Context, job *models.Job) (string, error) {
	artifact, err := s.storage.ArtifactStorage().Get(ctx, job.LibraryID, models.ArtifactKey{
		SourceID:       job.Correlation.SourceItemID,
		Kind:           models.ArtifactKindTranscript,
		TargetLanguage: job.Correlation.TargetLanguage,
	})
	if err != nil {
		return "", err
	}
	return artifact.Markdown, nil
}

// finalArtifactKey names the variant the job ultimately publishes: the
// transformation when the template phase ran, otherwise the raw transcript.
func (s *Service) finalArtifactKey(job *models.Job) models.ArtifactKey {
	transform := job.Step(models.PhaseTransform)
	if transform != nil && transform.Status == models.StepStatusCompleted && !transform.Skipped() {
		return models.ArtifactKey{
			SourceID:       job.Correlation.SourceItemID,
			Kind:           models.ArtifactKindTransformation,
			TargetLanguage: job.Correlation.TargetLanguage,
			TemplateName:   job.Parameters.TemplateName,
		}
	}
	return models.ArtifactKey{
		SourceID:       job.Correlation.SourceItemID,
		Kind:           models.ArtifactKindTranscript,
		TargetLanguage: job.Correlation.TargetLanguage,
	}
}

func (s *Service) finalMarkdown(ctx context.Context, job *models.Job) (string, error) {
	artifact, err := s.storage.ArtifactStorage().Get(ctx, job.LibraryID, s.finalArtifactKey(job))
	if err == nil {
		if len(artifact.Frontmatter) > 0 {
			return frontmatter.Render(artifact.Frontmatter, artifact.Markdown)
		}
		return artifact.Markdown, nil
	}
	if err == interfaces.ErrNotFound {
		// Both producing phases skipped: fall back to the transcript
		return s.transcriptMarkdown(ctx, job)
	}
	return "", err
}

func (s *Service) callbackURL(jobID string) string {
	return strings.TrimSuffix(s.config.Callbacks.PublicBaseURL, "/") + "/api/callbacks/" + jobID
}

// jobLogger derives a logger carrying the job ID as correlation ID, so the
// trace consumer can attribute log entries to the job
func (s *Service) jobLogger(jobID string) arbor.ILogger {
	return s.logger.WithCorrelationId(jobID)
}

// touch records callback liveness in storage so the staleness sweep stays
// accurate across a restart; the in-memory timer covers the normal case
func (s *Service) touch(ctx context.Context, jobID string) {
	if err := s.storage.JobStorage().TouchJob(ctx, jobID); err != nil {
		s.jobLogger(jobID).Warn().Err(err).Str("job_id", jobID).Msg("Failed to record job liveness")
	}
	s.watchdog.Bump(jobID)
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, jobID, status, message string) {
	err := s.events.Publish(ctx, interfaces.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"job_id":  jobID,
			"status":  status,
			"message": message,
		},
	})
	if err != nil {
		s.jobLogger(jobID).Debug().Err(err).Str("job_id", jobID).Msg("Event publish failed")
	}
}

func decodeArchive(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
