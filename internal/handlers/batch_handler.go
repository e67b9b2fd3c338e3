package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

// BatchHandler exposes batch creation and inspection endpoints
type BatchHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(storage interfaces.StorageManager, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		storage: storage,
		logger:  logger,
	}
}

type createBatchRequest struct {
	Name      string `json:"name"`
	LibraryID string `json:"library_id"`
	TotalJobs int    `json:"total_jobs"`
}

// CreateBatchHandler handles POST /api/batches. The batch ID returned here is
// passed as batch_id on subsequent job creations.
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.LibraryID == "" {
		WriteError(w, http.StatusBadRequest, "library_id is required")
		return
	}
	if req.TotalJobs <= 0 {
		WriteError(w, http.StatusBadRequest, "total_jobs must be positive")
		return
	}

	now := time.Now()
	batch := &models.Batch{
		ID:        common.NewBatchID(),
		Name:      req.Name,
		LibraryID: req.LibraryID,
		TotalJobs: req.TotalJobs,
		Status:    models.BatchStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.storage.BatchStorage().SaveBatch(r.Context(), batch); err != nil {
		h.logger.Error().Err(err).Str("library_id", req.LibraryID).Msg("Failed to save batch")
		WriteError(w, http.StatusInternalServerError, "Failed to save batch")
		return
	}

	WriteJSON(w, http.StatusCreated, batch)
}

// GetBatchHandler handles GET /api/batches/{id}
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	batch, err := h.storage.BatchStorage().GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Batch not found: "+batchID)
			return
		}
		h.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to load batch")
		WriteError(w, http.StatusInternalServerError, "Failed to load batch")
		return
	}

	WriteJSON(w, http.StatusOK, batch)
}
