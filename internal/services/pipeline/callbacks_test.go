package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

func extractFinalBody(text string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"phase":  "extract_completed",
		"status": "completed",
		"data":   map[string]interface{}{"extracted_text": text},
	})
	return body
}

func transformFinalBody(metadata map[string]interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"phase": "template_completed",
		"data":  map[string]interface{}{"metadata": metadata},
	})
	return body
}

func progressBody(progress float64, message string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"phase":    "extracting",
		"progress": progress,
		"message":  message,
	})
	return body
}

func errorBody(message string) []byte {
	body, _ := json.Marshal(map[string]interface{}{"error": message})
	return body
}

// startJob creates a job and returns it with its secret
func startJob(t *testing.T, svc *Service, req *CreateJobRequest) (*models.Job, string) {
	t.Helper()
	result, err := svc.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return result.Job, result.JobSecret
}

func TestCallbackUnknownJob(t *testing.T) {
	svc, _, _, _ := newTestService(t, time.Minute)

	_, err := svc.ProcessCallback(context.Background(), "job_missing", "token", false, progressBody(10, "working"))
	if !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCallbackBadTokenNeverMutates(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, _ := startJob(t, svc, pdfRequest())

	before, _ := storage.jobs.GetJob(context.Background(), job.ID)
	beforeSteps := make([]models.JobStep, len(before.Steps))
	copy(beforeSteps, before.Steps)

	_, err := svc.ProcessCallback(context.Background(), job.ID, "wrong-token", false, extractFinalBody("# Done"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	after, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if after.Status != before.Status {
		t.Errorf("auth failure must not change job status")
	}
	if !reflect.DeepEqual(after.Steps, beforeSteps) {
		t.Errorf("auth failure must not change steps")
	}
}

func TestDispatchCarriesCallbackToken(t *testing.T) {
	svc, _, compute, _ := newTestService(t, time.Minute)

	result, err := svc.CreateJob(context.Background(), pdfRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token := compute.lastExtractToken()
	if token == "" {
		t.Fatal("extract dispatch must carry the callback token")
	}
	if token != result.JobSecret {
		t.Errorf("dispatched token must be the secret returned to the caller")
	}

	// The Secretary echoes the dispatched token on every callback; it must
	// authenticate against the stored hash
	outcome, err := svc.ProcessCallback(context.Background(), result.Job.ID, token, false, extractFinalBody("# Doc"))
	if err != nil {
		t.Fatalf("echoed dispatch token must authenticate: %v", err)
	}
	if outcome.Status != models.JobStatusRunning {
		t.Errorf("unexpected status: %s", outcome.Status)
	}

	if compute.lastTransformToken() != token {
		t.Errorf("transform dispatch must carry the same callback token, got %q", compute.lastTransformToken())
	}
}

func TestCallbackInternalBypassToken(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, _ := startJob(t, svc, pdfRequest())

	outcome, err := svc.ProcessCallback(context.Background(), job.ID, "", true, progressBody(25, "ocr running"))
	if err != nil {
		t.Fatalf("internal bypass should authenticate: %v", err)
	}
	if outcome.Status != models.JobStatusRunning {
		t.Errorf("unexpected status: %s", outcome.Status)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if got.Status != models.JobStatusRunning {
		t.Errorf("first callback should move queued to running, got %s", got.Status)
	}
}

func TestProgressCallbackNeverTerminates(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	for _, p := range []float64{10, 50, 99.9} {
		if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, progressBody(p, "working")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if got.Status != models.JobStatusRunning {
		t.Errorf("progress callbacks must never terminate a job, got %s", got.Status)
	}
	step := got.Step(models.PhaseExtract)
	if step.Details["progress"] != 99.9 {
		t.Errorf("latest progress should be recorded: %v", step.Details["progress"])
	}
}

func TestExtractFinalAdvancesToTransform(t *testing.T) {
	svc, storage, compute, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Extracted\n\nContent."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.JobStatusRunning {
		t.Errorf("job should stay running while transform is in flight, got %s", outcome.Status)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if got.StepStatus(models.PhaseExtract) != models.StepStatusCompleted {
		t.Errorf("extract step should complete")
	}
	if got.StepStatus(models.PhaseTransform) != models.StepStatusRunning {
		t.Errorf("transform should be dispatched and running, got %s", got.StepStatus(models.PhaseTransform))
	}
	if compute.transformCount() != 1 {
		t.Errorf("expected one transform dispatch, got %d", compute.transformCount())
	}

	artifact, err := storage.artifacts.Get(context.Background(), "lib_1", models.ArtifactKey{
		SourceID: "file_1", Kind: models.ArtifactKindTranscript, TargetLanguage: "en",
	})
	if err != nil {
		t.Fatalf("transcript artifact should be persisted: %v", err)
	}
	if artifact.Markdown != "# Extracted\n\nContent." {
		t.Errorf("unexpected transcript markdown: %q", artifact.Markdown)
	}
	if got.Result == nil || got.Result.SavedItemID != artifact.ID {
		t.Errorf("saved artifact ID should be recorded on the job")
	}
}

func TestIdempotentFinalRedelivery(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Once")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before, _ := storage.jobs.GetJob(context.Background(), job.ID)
	beforeSteps := make([]models.JobStep, len(before.Steps))
	copy(beforeSteps, before.Steps)
	beforeMeta := len(before.MetaHistory)
	beforeResult := *before.Result

	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Once"))
	if err != nil {
		t.Fatalf("redelivery must be accepted: %v", err)
	}
	if !outcome.NoOp {
		t.Errorf("redelivery of a processed final payload should be a no-op")
	}

	after, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if !reflect.DeepEqual(after.Steps, beforeSteps) {
		t.Errorf("steps changed on redelivery")
	}
	if len(after.MetaHistory) != beforeMeta {
		t.Errorf("metaHistory changed on redelivery")
	}
	if *after.Result != beforeResult {
		t.Errorf("result changed on redelivery")
	}
}

func TestOutOfOrderTransformFinalIsNoOp(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	// Extract is still running; a template-phase final payload must bounce
	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false,
		transformFinalBody(map[string]interface{}{"title": "Too Early"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.NoOp {
		t.Errorf("out-of-order final payload should be a no-op")
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if got.StepStatus(models.PhaseExtract) != models.StepStatusRunning {
		t.Errorf("extract must still own the job, got %s", got.StepStatus(models.PhaseExtract))
	}
	if got.StepStatus(models.PhaseTransform) != models.StepStatusPending {
		t.Errorf("transform must stay pending, got %s", got.StepStatus(models.PhaseTransform))
	}
	if len(got.MetaHistory) != 0 {
		t.Errorf("metaHistory must stay empty on a rejected payload")
	}
}

func TestMistralReferenceOnlyCallback(t *testing.T) {
	svc, storage, compute, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	body, _ := json.Marshal(map[string]interface{}{
		"data":    map[string]interface{}{"mistral_ocr_raw_url": "https://secretary/results/p_9/raw"},
		"process": map[string]interface{}{"id": "p_9"},
	})

	// First delivery: the follow-up download fails, job stays running
	compute.downloadErr = contextError("upstream busy")
	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.JobStatusRunning {
		t.Errorf("download failure means no payload yet, job stays running: %s", outcome.Status)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if got.StepStatus(models.PhaseExtract) != models.StepStatusRunning {
		t.Errorf("extract must remain running after a failed download")
	}

	// Redelivery: download succeeds, extract completes
	compute.downloadErr = nil
	compute.downloadPayload = []byte("# OCR result")
	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ = storage.jobs.GetJob(context.Background(), job.ID)
	if got.StepStatus(models.PhaseExtract) != models.StepStatusCompleted {
		t.Errorf("extract should complete once the raw payload downloads")
	}
	if len(compute.downloadProcessIDs) != 2 || compute.downloadProcessIDs[0] != "p_9" {
		t.Errorf("download should be keyed by the upstream process ID: %v", compute.downloadProcessIDs)
	}
}

func TestArchiveOnlyFinalAttachesToTranscript(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Transcript")); err != nil {
		t.Fatalf("extract callback failed: %v", err)
	}

	// A late delivery carrying only the images archive, no text
	archive := base64.StdEncoding.EncodeToString([]byte("zip-bytes"))
	body, _ := json.Marshal(map[string]interface{}{
		"status": "completed",
		"data":   map[string]interface{}{"images_archive_data": archive},
	})
	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, body)
	if err != nil {
		t.Fatalf("archive-only callback failed: %v", err)
	}
	if outcome.Status != models.JobStatusRunning {
		t.Errorf("archive-only delivery must not terminate the job, got %s", outcome.Status)
	}

	transcript, err := storage.artifacts.Get(context.Background(), "lib_1", models.ArtifactKey{
		SourceID: "file_1", Kind: models.ArtifactKindTranscript, TargetLanguage: "en",
	})
	if err != nil {
		t.Fatalf("transcript should still exist: %v", err)
	}
	if transcript.Markdown != "# Transcript" {
		t.Errorf("archive attachment must not change the transcript text: %q", transcript.Markdown)
	}

	fragment, err := storage.artifacts.GetFragment(context.Background(), transcript.ID, "images.zip")
	if err != nil {
		t.Fatalf("delivered archive should be persisted against the transcript: %v", err)
	}
	if string(fragment.Data) != "zip-bytes" {
		t.Errorf("unexpected fragment data: %q", fragment.Data)
	}
}

func TestLivenessCallbackRefreshesStoredTimestamp(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	// Move the job to running first so the refresh below cannot come from the
	// queued-to-running transition
	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, progressBody(10, "working")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	storage.jobs.mu.Lock()
	storage.jobs.jobs[job.ID].UpdatedAt = time.Now().Add(-time.Hour)
	storage.jobs.mu.Unlock()

	// A bare completion with no payload is liveness only, but the liveness
	// must reach storage so the restart sweep sees it
	body, _ := json.Marshal(map[string]interface{}{"status": "completed"})
	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if time.Since(got.UpdatedAt) > time.Minute {
		t.Errorf("liveness callback must refresh the stored timestamp, got %v", got.UpdatedAt)
	}
}

func TestTransformMetadataTimestampIsEventTime(t *testing.T) {
	svc, storage, _, _ := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Text")); err != nil {
		t.Fatalf("extract callback failed: %v", err)
	}

	// Age the stored record so a stale copy is distinguishable from the
	// arrival time of the metadata
	storage.jobs.mu.Lock()
	storage.jobs.jobs[job.ID].UpdatedAt = time.Now().Add(-time.Hour)
	storage.jobs.mu.Unlock()

	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false,
		transformFinalBody(map[string]interface{}{"title": "Book"})); err != nil {
		t.Fatalf("transform callback failed: %v", err)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if len(got.MetaHistory) != 1 {
		t.Fatalf("expected one metaHistory entry, got %d", len(got.MetaHistory))
	}
	if time.Since(got.MetaHistory[0].Timestamp) > time.Minute {
		t.Errorf("metaHistory timestamp must be the arrival time, got %v", got.MetaHistory[0].Timestamp)
	}
}

func TestEndToEndScenarioFullPipeline(t *testing.T) {
	svc, storage, compute, ingest := newTestService(t, time.Minute)
	job, secret := startJob(t, svc, pdfRequest())

	if _, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Chapter One\n\nText.")); err != nil {
		t.Fatalf("extract callback failed: %v", err)
	}
	if compute.transformCount() != 1 {
		t.Fatalf("transform should be dispatched after extract, got %d", compute.transformCount())
	}

	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false,
		transformFinalBody(map[string]interface{}{
			"title":    "Chapter One",
			"chapters": `[{"title":"One","page":1}]`,
		}))
	if err != nil {
		t.Fatalf("transform callback failed: %v", err)
	}
	if outcome.Status != models.JobStatusCompleted {
		t.Fatalf("job should complete after transform, store and ingest: %s", outcome.Status)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	for _, phase := range models.Phases {
		if got.StepStatus(phase) != models.StepStatusCompleted {
			t.Errorf("step %s should be completed, got %s", phase, got.StepStatus(phase))
		}
	}
	if len(got.MetaHistory) != 1 || got.MetaHistory[0].Source != models.MetaSourceTemplateTransform {
		t.Errorf("expected one template_transform metaHistory entry: %+v", got.MetaHistory)
	}
	if got.Result == nil || got.Result.ChunkCount == 0 || got.Result.VectorCount == 0 {
		t.Errorf("chunk and vector counts should be recorded: %+v", got.Result)
	}
	if ingest.callCount() != 1 {
		t.Errorf("expected one ingest call, got %d", ingest.callCount())
	}

	final, err := storage.artifacts.Get(context.Background(), "lib_1", models.ArtifactKey{
		SourceID: "file_1", Kind: models.ArtifactKindTransformation, TargetLanguage: "en", TemplateName: "book-notes",
	})
	if err != nil {
		t.Fatalf("transformation artifact should exist: %v", err)
	}
	if !final.Indexed {
		t.Errorf("publish should mark the transformation variant indexed")
	}
	if _, ok := final.Frontmatter["chapters"].([]interface{}); !ok {
		t.Errorf("JSON-encoded metadata should decode into structures: %T", final.Frontmatter["chapters"])
	}
	if final.Frontmatter["template"] != "book-notes" {
		t.Errorf("frontmatter should record the template: %v", final.Frontmatter["template"])
	}

	transcript, _ := storage.artifacts.Get(context.Background(), "lib_1", models.ArtifactKey{
		SourceID: "file_1", Kind: models.ArtifactKindTranscript, TargetLanguage: "en",
	})
	if transcript.Indexed {
		t.Errorf("publish must leave exactly one indexed variant")
	}
}

func TestEndToEndScenarioSecondJobSkips(t *testing.T) {
	svc, storage, compute, ingest := newTestService(t, time.Minute)

	storage.artifacts.Put(context.Background(), "lib_1", models.ArtifactKey{
		SourceID: "file_1", Kind: models.ArtifactKindTranscript, TargetLanguage: "en",
	}, "# Prior transcript", nil, nil)

	req := pdfRequest()
	req.Policies = models.PhasePolicies{Metadata: models.PolicySkip}
	result, err := svc.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if compute.extractCount() != 0 || compute.transformCount() != 0 {
		t.Errorf("no phase should be dispatched")
	}

	job, _ := storage.jobs.GetJob(context.Background(), result.Job.ID)
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("job should complete inline, got %s", job.Status)
	}

	extract := job.Step(models.PhaseExtract)
	if !extract.Skipped() || extract.Details["reason"] != skipReasonAlreadyExists {
		t.Errorf("extract should skip on its gate: %+v", extract.Details)
	}
	transform := job.Step(models.PhaseTransform)
	if !transform.Skipped() || transform.Details["reason"] != skipReasonPhaseDisabled {
		t.Errorf("transform should skip on policy: %+v", transform.Details)
	}
	if ingest.callCount() != 1 {
		t.Errorf("ingest still runs when its gate reports no vectors, got %d calls", ingest.callCount())
	}
	if job.Result == nil || job.Result.ChunkCount == 0 {
		t.Errorf("ingest counts should be recorded: %+v", job.Result)
	}
}

func TestEndToEndScenarioErrorCallback(t *testing.T) {
	svc, storage, compute, _ := newTestService(t, time.Minute)

	req := pdfRequest()
	req.JobType = "audio"
	req.FileName = "lecture.mp3"
	req.MimeType = "audio/mpeg"
	job, secret := startJob(t, svc, req)

	outcome, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, errorBody("ASR failed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.JobStatusFailed {
		t.Errorf("expected failed status, got %s", outcome.Status)
	}

	got, _ := storage.jobs.GetJob(context.Background(), job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("job should be failed, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Code == "" {
		t.Errorf("error code should be present: %+v", got.Error)
	}
	if got.Error.Message != "ASR failed" {
		t.Errorf("upstream message must surface verbatim: %q", got.Error.Message)
	}
	if compute.transformCount() != 0 {
		t.Errorf("no further phase may be dispatched after failure")
	}

	// Late redelivery after terminal state is accepted but changes nothing
	late, err := svc.ProcessCallback(context.Background(), job.ID, secret, false, extractFinalBody("# Late"))
	if err != nil {
		t.Fatalf("late callback must be accepted: %v", err)
	}
	if !late.NoOp || late.Status != models.JobStatusFailed {
		t.Errorf("late callback should be a terminal no-op: %+v", late)
	}
}

func TestIngestUpsertReplacesChunks(t *testing.T) {
	svc, storage, _, ingest := newTestService(t, time.Minute)

	storage.artifacts.Put(context.Background(), "lib_1", models.ArtifactKey{
		SourceID: "file_1", Kind: models.ArtifactKindTranscript, TargetLanguage: "en",
	}, "# Prior transcript", nil, nil)
	ingest.has = true

	req := pdfRequest()
	req.Policies = models.PhasePolicies{
		Metadata: models.PolicySkip,
		Ingest:   models.IngestPolicyUpsert,
	}
	if _, err := svc.CreateJob(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ingest.callCount() != 1 {
		t.Fatalf("upsert policy forces ingest past its gate, got %d calls", ingest.callCount())
	}
	if len(ingest.replace) != 1 || !ingest.replace[0] {
		t.Errorf("upsert must replace existing chunks: %v", ingest.replace)
	}
}
