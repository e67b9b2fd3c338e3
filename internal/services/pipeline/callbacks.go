// -----------------------------------------------------------------------
// Callback processing - the webhook-driven state machine. Safe under
// redelivery and concurrent arrival: transitions check the current step
// status and degrade to no-ops when the precondition no longer holds.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
	"github.com/ternarybob/shadowtwin/internal/services/frontmatter"
)

// ErrUnauthorized is returned when a callback fails token authentication.
// Job state is never mutated on this path.
var ErrUnauthorized = errors.New("callback authentication failed")

// CallbackOutcome summarizes how one webhook was handled
type CallbackOutcome struct {
	Status  models.JobStatus `json:"status"`
	NoOp    bool             `json:"no_op,omitempty"`
	Message string           `json:"message,omitempty"`
}

// ProcessCallback runs one webhook body through the state machine.
// headerToken comes from the request header; the body may carry its own
// callback_token. internalBypass marks a trusted automation caller that
// skips token verification.
//
// Returns ErrUnauthorized on a bad token, interfaces.ErrNotFound for an
// unknown job. Every other failure is absorbed into job state; the HTTP
// answer for an accepted callback is always 200.
func (s *Service) ProcessCallback(ctx context.Context, jobID, headerToken string, internalBypass bool, body []byte) (*CallbackOutcome, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	parsed, err := models.ParseCallbackBody(body)
	if err != nil {
		return nil, err
	}

	if !s.authenticate(job, headerToken, parsed.CallbackToken, internalBypass) {
		s.jobLogger(jobID).Warn().Str("job_id", jobID).Msg("Callback rejected: bad token")
		return nil, ErrUnauthorized
	}

	if job.Status.IsTerminal() {
		// Late redelivery after the job settled: accept, change nothing
		return &CallbackOutcome{Status: job.Status, NoOp: true, Message: "job already terminal"}, nil
	}

	s.markRunning(ctx, job)

	switch parsed.Kind {
	case models.CallbackKindError:
		return s.handleErrorCallback(ctx, job, parsed)
	case models.CallbackKindFinal:
		return s.handleFinalCallback(ctx, job, parsed)
	default:
		return s.handleProgressCallback(ctx, job, parsed)
	}
}

func (s *Service) authenticate(job *models.Job, headerToken, bodyToken string, internalBypass bool) bool {
	if internalBypass {
		return true
	}
	for _, token := range []string{headerToken, bodyToken} {
		if token != "" && common.VerifySecret(token, job.JobSecretHash) {
			return true
		}
	}
	if internal := s.config.Callbacks.InternalToken; internal != "" {
		for _, token := range []string{headerToken, bodyToken} {
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(internal)) == 1 {
				return true
			}
		}
	}
	return false
}

// markRunning moves a queued job to running on its first authenticated
// callback of any kind.
func (s *Service) markRunning(ctx context.Context, job *models.Job) {
	if job.Status != models.JobStatusQueued {
		return
	}
	changed := false
	err := s.storage.JobStorage().UpdateJob(ctx, job.ID, func(j *models.Job) {
		if j.Status != models.JobStatusQueued {
			return
		}
		j.Status = models.JobStatusRunning
		changed = true
	})
	if err != nil {
		s.jobLogger(job.ID).Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
		return
	}
	if changed {
		job.Status = models.JobStatusRunning
		s.publish(ctx, interfaces.EventJobStarted, job.ID, string(models.JobStatusRunning), "first callback received")
	}
}

func (s *Service) handleProgressCallback(ctx context.Context, job *models.Job, parsed *models.ParsedCallbackBody) (*CallbackOutcome, error) {
	err := s.storage.JobStorage().UpdateJob(ctx, job.ID, func(j *models.Job) {
		for i := range j.Steps {
			if j.Steps[i].Status != models.StepStatusRunning {
				continue
			}
			if j.Steps[i].Details == nil {
				j.Steps[i].Details = make(map[string]interface{})
			}
			if parsed.Progress != nil {
				j.Steps[i].Details["progress"] = *parsed.Progress
			}
			if parsed.Message != "" {
				j.Steps[i].Details["message"] = parsed.Message
			}
			break
		}
	})
	if err != nil {
		s.jobLogger(job.ID).Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record progress")
	}

	s.watchdog.Bump(job.ID)
	s.publishProgress(ctx, job.ID, parsed)

	return &CallbackOutcome{Status: models.JobStatusRunning, Message: "progress recorded"}, nil
}

func (s *Service) handleErrorCallback(ctx context.Context, job *models.Job, parsed *models.ParsedCallbackBody) (*CallbackOutcome, error) {
	phase, code := s.activePhase(job)
	s.failJob(ctx, job.ID, phase, code, parsed.ErrorMessage, map[string]interface{}{
		"callback_phase": parsed.Phase,
	})
	return &CallbackOutcome{Status: models.JobStatusFailed, Message: parsed.ErrorMessage}, nil
}

func (s *Service) handleFinalCallback(ctx context.Context, job *models.Job, parsed *models.ParsedCallbackBody) (*CallbackOutcome, error) {
	if s.isTransformPayload(parsed) {
		return s.handleTransformFinal(ctx, job, parsed)
	}
	return s.handleExtractFinal(ctx, job, parsed)
}

// isTransformPayload classifies a final payload to its phase. Metadata
// without extracted text belongs to the template phase, as does the explicit
// template_completed marker.
func (s *Service) isTransformPayload(parsed *models.ParsedCallbackBody) bool {
	if parsed.Phase == models.CallbackPhaseTemplateCompleted {
		return true
	}
	return len(parsed.Metadata) > 0 && parsed.ExtractedText == ""
}

func (s *Service) handleExtractFinal(ctx context.Context, job *models.Job, parsed *models.ParsedCallbackBody) (*CallbackOutcome, error) {
	markdown := parsed.ExtractedText

	if parsed.IsReferenceOnly() {
		// Mistral asynchronous variant: the webhook carries a reference, the
		// payload must be fetched now. A failed download is "no payload yet";
		// the upstream retains the data and will redeliver.
		data, err := s.compute.DownloadRawResult(ctx, parsed.ProcessID)
		if err != nil {
			s.jobLogger(job.ID).Warn().Err(err).
				Str("job_id", job.ID).
				Str("process_id", parsed.ProcessID).
				Msg("Raw OCR download failed, keeping job running")
			s.touch(ctx, job.ID)
			return &CallbackOutcome{Status: models.JobStatusRunning, Message: "awaiting payload"}, nil
		}
		markdown = string(data)
	}

	if markdown == "" {
		// A completion signal with no text: keep any archives it carried,
		// then record liveness
		if fragments := s.collectFragments(job, parsed); len(fragments) > 0 {
			s.attachFragments(ctx, job, fragments)
		}
		s.touch(ctx, job.ID)
		return &CallbackOutcome{Status: models.JobStatusRunning, Message: "no extract payload"}, nil
	}

	ok, err := s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseExtract,
		[]models.StepStatus{models.StepStatusRunning}, models.StepStatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Redelivery of an already-processed payload, or an out-of-order
		// arrival: accepted, nothing changes beyond liveness
		s.touch(ctx, job.ID)
		return s.noOpOutcome(ctx, job.ID)
	}

	fragments := s.collectFragments(job, parsed)
	artifactID, err := s.storage.ArtifactStorage().Put(ctx, job.LibraryID, models.ArtifactKey{
		SourceID:       job.Correlation.SourceItemID,
		Kind:           models.ArtifactKindTranscript,
		TargetLanguage: job.Correlation.TargetLanguage,
	}, markdown, nil, fragments)
	if err != nil {
		s.failJob(ctx, job.ID, models.PhaseExtract, models.ErrCodeExtractFailed,
			fmt.Sprintf("failed to persist extracted markdown: %v", err), nil)
		return &CallbackOutcome{Status: models.JobStatusFailed, Message: "failed to persist artifact"}, nil
	}

	err = s.storage.JobStorage().UpdateJob(ctx, job.ID, func(j *models.Job) {
		if j.Result == nil {
			j.Result = &models.JobResult{}
		}
		j.Result.SavedItemID = artifactID
	})
	if err != nil {
		s.jobLogger(job.ID).Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record saved artifact ID")
	}

	s.watchdog.Bump(job.ID)
	s.publish(ctx, interfaces.EventStepChanged, job.ID, string(models.JobStatusRunning), "extract completed")

	s.Advance(ctx, job.ID)
	return s.currentOutcome(ctx, job.ID)
}

func (s *Service) handleTransformFinal(ctx context.Context, job *models.Job, parsed *models.ParsedCallbackBody) (*CallbackOutcome, error) {
	ok, err := s.storage.JobStorage().TransitionStep(ctx, job.ID, models.PhaseTransform,
		[]models.StepStatus{models.StepStatusRunning}, models.StepStatusCompleted,
		func(j *models.Job) {
			j.MetaHistory = append(j.MetaHistory, models.MetaEvent{
				Source:    models.MetaSourceTemplateTransform,
				Timestamp: time.Now(),
				Fields:    parsed.Metadata,
			})
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Out-of-order final for the template phase while extract still owns
		// the job, or plain redelivery: no-op beyond the liveness record
		s.touch(ctx, job.ID)
		return s.noOpOutcome(ctx, job.ID)
	}

	if err := s.persistTransformation(ctx, job, parsed.Metadata); err != nil {
		s.failJob(ctx, job.ID, models.PhaseTransform, models.ErrCodeTemplateFailed,
			fmt.Sprintf("failed to persist transformation: %v", err), nil)
		return &CallbackOutcome{Status: models.JobStatusFailed, Message: "failed to persist transformation"}, nil
	}

	s.watchdog.Bump(job.ID)
	s.publish(ctx, interfaces.EventStepChanged, job.ID, string(models.JobStatusRunning), "template transform completed")

	s.Advance(ctx, job.ID)
	return s.currentOutcome(ctx, job.ID)
}

// persistTransformation merges the template metadata into the transcript's
// frontmatter and writes the transformation variant of the artifact.
func (s *Service) persistTransformation(ctx context.Context, job *models.Job, metadata map[string]interface{}) error {
	markdown, err := s.transcriptMarkdown(ctx, job)
	if err != nil {
		return err
	}

	merged := s.mergeFrontmatter(ctx, job, metadata)

	_, err = s.storage.ArtifactStorage().Put(ctx, job.LibraryID, models.ArtifactKey{
		SourceID:       job.Correlation.SourceItemID,
		Kind:           models.ArtifactKindTransformation,
		TargetLanguage: job.Correlation.TargetLanguage,
		TemplateName:   job.Parameters.TemplateName,
	}, markdown, merged, nil)
	return err
}

func (s *Service) collectFragments(job *models.Job, parsed *models.ParsedCallbackBody) []models.BinaryFragment {
	var fragments []models.BinaryFragment
	if parsed.ImagesArchive != "" {
		if data, err := decodeArchive(parsed.ImagesArchive); err == nil {
			fragments = append(fragments, models.BinaryFragment{Name: "images.zip", MimeType: "application/zip", Data: data})
		} else {
			s.jobLogger(job.ID).Warn().Err(err).Str("job_id", job.ID).Msg("Failed to decode images archive")
		}
	}
	if parsed.PagesArchive != "" {
		if data, err := decodeArchive(parsed.PagesArchive); err == nil {
			fragments = append(fragments, models.BinaryFragment{Name: "pages.zip", MimeType: "application/zip", Data: data})
		} else {
			s.jobLogger(job.ID).Warn().Err(err).Str("job_id", job.ID).Msg("Failed to decode pages archive")
		}
	}
	return fragments
}

// attachFragments persists archives that arrived without extracted text
// against the existing transcript. Without a transcript there is nothing to
// attach to; the archives wait for the redelivery that carries the text.
func (s *Service) attachFragments(ctx context.Context, job *models.Job, fragments []models.BinaryFragment) {
	key := models.ArtifactKey{
		SourceID:       job.Correlation.SourceItemID,
		Kind:           models.ArtifactKindTranscript,
		TargetLanguage: job.Correlation.TargetLanguage,
	}
	artifact, err := s.storage.ArtifactStorage().Get(ctx, job.LibraryID, key)
	if err != nil {
		s.jobLogger(job.ID).Warn().Err(err).
			Str("job_id", job.ID).
			Int("fragments", len(fragments)).
			Msg("No transcript to attach delivered archives to")
		return
	}
	if _, err := s.storage.ArtifactStorage().Put(ctx, job.LibraryID, key, artifact.Markdown, artifact.Frontmatter, fragments); err != nil {
		s.jobLogger(job.ID).Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist delivered archives")
	}
}

func (s *Service) mergeFrontmatter(ctx context.Context, job *models.Job, metadata map[string]interface{}) map[string]interface{} {
	existing := map[string]interface{}{}
	artifact, err := s.storage.ArtifactStorage().Get(ctx, job.LibraryID, models.ArtifactKey{
		SourceID:       job.Correlation.SourceItemID,
		Kind:           models.ArtifactKindTranscript,
		TargetLanguage: job.Correlation.TargetLanguage,
	})
	if err == nil && artifact.Frontmatter != nil {
		existing = artifact.Frontmatter
	}

	merged := frontmatter.Merge(existing, metadata)
	if job.Parameters.TemplateName != "" {
		merged["template"] = job.Parameters.TemplateName
	}
	merged["language"] = job.Correlation.TargetLanguage
	merged["source_item_id"] = job.Correlation.SourceItemID
	return merged
}

func (s *Service) activePhase(job *models.Job) (models.Phase, string) {
	for i := range job.Steps {
		if job.Steps[i].Status == models.StepStatusRunning {
			switch job.Steps[i].Name {
			case models.PhaseExtract:
				return models.PhaseExtract, models.ErrCodeExtractFailed
			case models.PhaseTransform:
				return models.PhaseTransform, models.ErrCodeTemplateFailed
			case models.PhaseIngest:
				return models.PhaseIngest, models.ErrCodeIngestFailed
			default:
				return job.Steps[i].Name, models.ErrCodeWorkerException
			}
		}
	}
	return models.PhaseExtract, models.ErrCodeWorkerException
}

func (s *Service) publishProgress(ctx context.Context, jobID string, parsed *models.ParsedCallbackBody) {
	payload := map[string]interface{}{
		"job_id":  jobID,
		"status":  string(models.JobStatusRunning),
		"message": parsed.Message,
	}
	if parsed.Progress != nil {
		payload["progress"] = *parsed.Progress
	}
	err := s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobProgress, Payload: payload})
	if err != nil {
		s.jobLogger(jobID).Debug().Err(err).Str("job_id", jobID).Msg("Event publish failed")
	}
}

func (s *Service) noOpOutcome(ctx context.Context, jobID string) (*CallbackOutcome, error) {
	outcome, err := s.currentOutcome(ctx, jobID)
	if err != nil {
		return nil, err
	}
	outcome.NoOp = true
	return outcome, nil
}

func (s *Service) currentOutcome(ctx context.Context, jobID string) (*CallbackOutcome, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &CallbackOutcome{Status: job.Status}, nil
}
