// -----------------------------------------------------------------------
// Job handler - REST surface for creating and inspecting pipeline jobs
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
	"github.com/ternarybob/shadowtwin/internal/services/pipeline"
)

// JobHandler exposes job creation and inspection endpoints
type JobHandler struct {
	pipeline *pipeline.Service
	storage  interfaces.StorageManager
	logger   arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(pipelineService *pipeline.Service, storage interfaces.StorageManager, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		pipeline: pipelineService,
		storage:  storage,
		logger:   logger,
	}
}

// CreateJobHandler handles POST /api/jobs. The response carries the plaintext
// callback secret exactly once; it is not recoverable afterwards.
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req pipeline.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.pipeline.CreateJob(r.Context(), &req)
	if err != nil {
		h.logger.Warn().Err(err).Str("library_id", req.LibraryID).Msg("Job creation rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":       result.Job.ID,
		"status":       result.Job.Status,
		"callback_url": result.CallbackURL,
		"job_secret":   result.JobSecret,
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.storage.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler handles GET /api/jobs with optional filters
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	opts := &interfaces.JobListOptions{
		LibraryID: r.URL.Query().Get("library_id"),
		Status:    r.URL.Query().Get("status"),
		SourceID:  r.URL.Query().Get("source_id"),
		BatchID:   r.URL.Query().Get("batch_id"),
		Limit:     QueryInt(r, "limit", 50),
		Offset:    QueryInt(r, "offset", 0),
	}

	jobs, err := h.storage.JobStorage().ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*models.Job{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// GetJobStatsHandler handles GET /api/jobs/stats
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats := make(map[string]int)
	total := 0
	for _, status := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	} {
		count, err := h.storage.JobStorage().CountJobsByStatus(r.Context(), status)
		if err != nil {
			h.logger.Error().Err(err).Str("status", string(status)).Msg("Failed to count jobs")
			WriteError(w, http.StatusInternalServerError, "Failed to compute job stats")
			return
		}
		stats[string(status)] = count
		total += count
	}
	stats["total"] = total

	WriteJSON(w, http.StatusOK, stats)
}

// GetJobTraceHandler handles GET /api/jobs/{id}/trace
func (h *JobHandler) GetJobTraceHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	// Verify the job exists so an unknown ID is a 404, not an empty trace
	if _, err := h.storage.JobStorage().GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	limit := QueryInt(r, "limit", 500)
	entries, err := h.storage.TraceStorage().GetEntries(r.Context(), jobID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load trace entries")
		WriteError(w, http.StatusInternalServerError, "Failed to load trace entries")
		return
	}

	if entries == nil {
		entries = []models.TraceEntry{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"entries": entries,
		"count":   len(entries),
	})
}
