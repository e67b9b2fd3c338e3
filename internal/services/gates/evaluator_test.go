package gates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

type stubJobStorage struct {
	interfaces.JobStorage
	latest    *models.Job
	latestErr error
}

func (s *stubJobStorage) LatestJobForSource(ctx context.Context, libraryID, sourceItemID string) (*models.Job, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.latest, nil
}

type stubArtifactStorage struct {
	interfaces.ArtifactStorage
	sibling    bool
	siblingErr error
	artifact   *models.Artifact
	getErr     error
}

func (s *stubArtifactStorage) SiblingExists(ctx context.Context, libraryID, sourceID string, kind models.ArtifactKind, targetLanguage string) (bool, error) {
	return s.sibling, s.siblingErr
}

func (s *stubArtifactStorage) Get(ctx context.Context, libraryID string, key models.ArtifactKey) (*models.Artifact, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.artifact, nil
}

type stubIngestService struct {
	has    bool
	hasErr error
}

func (s *stubIngestService) Ingest(ctx context.Context, libraryID, fileID, markdown string, replace bool) (*interfaces.IngestResult, error) {
	return &interfaces.IngestResult{}, nil
}

func (s *stubIngestService) HasVectors(ctx context.Context, libraryID, fileID string) (bool, error) {
	return s.has, s.hasErr
}

func testJob() *models.Job {
	return models.NewJob("job_test", "hash", models.JobTypePDF, "lib_1", "user@example.com",
		models.Correlation{
			MediaType:      "pdf",
			SourceItemID:   "file_1",
			TargetLanguage: "en",
		},
		models.JobParameters{},
	)
}

func newTestEvaluator(jobs interfaces.JobStorage, artifacts interfaces.ArtifactStorage, ingest interfaces.IngestService) *Evaluator {
	return NewEvaluator(jobs, artifacts, ingest, common.GetLogger())
}

func TestGateExtractSiblingArtifact(t *testing.T) {
	e := newTestEvaluator(&stubJobStorage{latestErr: interfaces.ErrNotFound}, &stubArtifactStorage{sibling: true}, &stubIngestService{})

	result := e.GateExtract(context.Background(), testJob())
	if !result.Exists {
		t.Error("expected exists=true when a sibling artifact matches the naming convention")
	}
	if result.Reason != "artifact_exists" {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestGateExtractPriorJobSavedArtifact(t *testing.T) {
	prior := testJob()
	prior.ID = "job_prior"
	prior.Result = &models.JobResult{SavedItemID: "art_1"}

	e := newTestEvaluator(&stubJobStorage{latest: prior}, &stubArtifactStorage{}, &stubIngestService{})

	result := e.GateExtract(context.Background(), testJob())
	if !result.Exists {
		t.Error("expected exists=true when the latest prior job recorded a saved artifact")
	}
}

func TestGateExtractIgnoresOwnJob(t *testing.T) {
	job := testJob()
	job.Result = &models.JobResult{SavedItemID: "art_1"}

	e := newTestEvaluator(&stubJobStorage{latest: job}, &stubArtifactStorage{}, &stubIngestService{})

	result := e.GateExtract(context.Background(), job)
	if result.Exists {
		t.Error("a job's own record must not satisfy its extract gate")
	}
}

func TestGateExtractLookupFailureDegradesToNotDone(t *testing.T) {
	e := newTestEvaluator(
		&stubJobStorage{latestErr: errors.New("storage offline")},
		&stubArtifactStorage{siblingErr: errors.New("storage offline")},
		&stubIngestService{},
	)

	result := e.GateExtract(context.Background(), testJob())
	if result.Exists {
		t.Error("lookup failure must degrade to exists=false, not to a skip")
	}
}

func TestGateTransformNoHistory(t *testing.T) {
	e := newTestEvaluator(&stubJobStorage{}, &stubArtifactStorage{}, &stubIngestService{})

	result := e.GateTransform(context.Background(), testJob())
	if result.Exists {
		t.Error("expected exists=false without a template_transform history entry")
	}
}

func TestGateTransformMetadataComplete(t *testing.T) {
	job := testJob()
	job.MetaHistory = append(job.MetaHistory, models.MetaEvent{
		Source:    models.MetaSourceTemplateTransform,
		Timestamp: time.Now(),
	})

	e := newTestEvaluator(&stubJobStorage{}, &stubArtifactStorage{}, &stubIngestService{})

	result := e.GateTransform(context.Background(), job)
	if !result.Exists {
		t.Error("expected exists=true once metadata was derived and no template is requested")
	}
}

func TestGateTransformTemplateMismatchForcesRerun(t *testing.T) {
	job := testJob()
	job.Parameters.TemplateName = "template-b"
	job.MetaHistory = append(job.MetaHistory, models.MetaEvent{
		Source:    models.MetaSourceTemplateTransform,
		Timestamp: time.Now(),
	})

	artifacts := &stubArtifactStorage{
		artifact: &models.Artifact{
			Frontmatter: map[string]interface{}{"template": "template-a"},
		},
	}
	e := newTestEvaluator(&stubJobStorage{}, artifacts, &stubIngestService{})

	result := e.GateTransform(context.Background(), job)
	if result.Exists {
		t.Error("a template-name mismatch must force a re-run")
	}
	if result.Reason != "template_mismatch" {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestGateTransformRequestedTemplateMissing(t *testing.T) {
	job := testJob()
	job.Parameters.TemplateName = "template-b"
	job.MetaHistory = append(job.MetaHistory, models.MetaEvent{
		Source:    models.MetaSourceTemplateTransform,
		Timestamp: time.Now(),
	})

	e := newTestEvaluator(&stubJobStorage{}, &stubArtifactStorage{getErr: interfaces.ErrNotFound}, &stubIngestService{})

	result := e.GateTransform(context.Background(), job)
	if result.Exists {
		t.Error("a requested template with no stored artifact must re-run")
	}
}

func TestGateIngest(t *testing.T) {
	e := newTestEvaluator(&stubJobStorage{}, &stubArtifactStorage{}, &stubIngestService{has: true})
	if result := e.GateIngest(context.Background(), testJob()); !result.Exists {
		t.Error("expected exists=true when vectors are present")
	}

	e = newTestEvaluator(&stubJobStorage{}, &stubArtifactStorage{}, &stubIngestService{hasErr: errors.New("index offline")})
	if result := e.GateIngest(context.Background(), testJob()); result.Exists {
		t.Error("vector lookup failure must degrade to exists=false")
	}
}
