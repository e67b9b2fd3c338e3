// -----------------------------------------------------------------------
// Gate evaluator - answers "has this phase's work already been done",
// independent of policy
// -----------------------------------------------------------------------

package gates

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

// GateResult reports the existence check for one phase
type GateResult struct {
	Exists bool
	Reason string
}

// Evaluator inspects existing storage and prior job history to decide whether
// a phase's output already exists. Lookup failures never propagate: a gate
// that cannot prove existence reports exists=false, which re-does work
// instead of silently skipping it.
type Evaluator struct {
	jobs      interfaces.JobStorage
	artifacts interfaces.ArtifactStorage
	ingest    interfaces.IngestService
	logger    arbor.ILogger
}

// NewEvaluator creates a new gate evaluator
func NewEvaluator(jobs interfaces.JobStorage, artifacts interfaces.ArtifactStorage, ingest interfaces.IngestService, logger arbor.ILogger) *Evaluator {
	return &Evaluator{
		jobs:      jobs,
		artifacts: artifacts,
		ingest:    ingest,
		logger:    logger,
	}
}

// GateExtract reports whether an extraction artifact for the source already
// exists: either a sibling artifact matching the naming convention, or a saved
// artifact recorded on the most recent prior job for the same source item.
func (e *Evaluator) GateExtract(ctx context.Context, job *models.Job) GateResult {
	exists, err := e.artifacts.SiblingExists(ctx, job.LibraryID, job.Correlation.SourceItemID, models.ArtifactKindTranscript, job.Correlation.TargetLanguage)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Extract gate artifact lookup failed, assuming not done")
	} else if exists {
		return GateResult{Exists: true, Reason: "artifact_exists"}
	}

	prior, err := e.jobs.LatestJobForSource(ctx, job.LibraryID, job.Correlation.SourceItemID)
	if err != nil {
		if err != interfaces.ErrNotFound {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Extract gate job lookup failed, assuming not done")
		}
		return GateResult{Exists: false}
	}
	if prior.ID != job.ID && prior.Result != nil && prior.Result.SavedItemID != "" {
		return GateResult{Exists: true, Reason: "prior_job_saved_artifact"}
	}
	return GateResult{Exists: false}
}

// GateTransform reports whether template metadata was already derived for this
// job. A requested template that differs from the one recorded in frontmatter
// forces a re-run even when the metadata history says complete.
func (e *Evaluator) GateTransform(ctx context.Context, job *models.Job) GateResult {
	if !job.HasMetaSource(models.MetaSourceTemplateTransform) {
		return GateResult{Exists: false}
	}

	requested := job.Parameters.TemplateName
	if requested != "" {
		key := models.ArtifactKey{
			SourceID:       job.Correlation.SourceItemID,
			Kind:           models.ArtifactKindTransformation,
			TargetLanguage: job.Correlation.TargetLanguage,
			TemplateName:   requested,
		}
		artifact, err := e.artifacts.Get(ctx, job.LibraryID, key)
		if err != nil {
			if err != interfaces.ErrNotFound {
				e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Transform gate artifact lookup failed, assuming not done")
			}
			return GateResult{Exists: false, Reason: "template_mismatch"}
		}
		if recorded, ok := artifact.Frontmatter["template"].(string); ok && recorded != requested {
			return GateResult{Exists: false, Reason: "template_mismatch"}
		}
	}

	return GateResult{Exists: true, Reason: "metadata_complete"}
}

// GateIngest reports whether vectors already exist for the source file
func (e *Evaluator) GateIngest(ctx context.Context, job *models.Job) GateResult {
	has, err := e.ingest.HasVectors(ctx, job.LibraryID, job.Correlation.SourceItemID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Ingest gate vector lookup failed, assuming not done")
		return GateResult{Exists: false}
	}
	if has {
		return GateResult{Exists: true, Reason: "vectors_exist"}
	}
	return GateResult{Exists: false}
}

// Gate dispatches to the phase's gate. Phases without a gate report not-done
// so the policy decision alone drives them.
func (e *Evaluator) Gate(ctx context.Context, job *models.Job, phase models.Phase) GateResult {
	switch phase {
	case models.PhaseExtract:
		return e.GateExtract(ctx, job)
	case models.PhaseTransform:
		return e.GateTransform(ctx, job)
	case models.PhaseIngest:
		return e.GateIngest(ctx, job)
	default:
		return GateResult{Exists: false}
	}
}
