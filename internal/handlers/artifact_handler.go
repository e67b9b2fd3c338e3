// -----------------------------------------------------------------------
// Artifact handler - serves stored binary fragments (image and page
// archives) attached to Shadow-Twin artifacts
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
)

// ArtifactHandler exposes artifact fragment downloads
type ArtifactHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

// NewArtifactHandler creates a new artifact handler
func NewArtifactHandler(storage interfaces.StorageManager, logger arbor.ILogger) *ArtifactHandler {
	return &ArtifactHandler{
		storage: storage,
		logger:  logger,
	}
}

// GetFragmentHandler handles GET /api/artifacts/{id}/fragments/{name}
func (h *ArtifactHandler) GetFragmentHandler(w http.ResponseWriter, r *http.Request, artifactID, name string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	fragment, err := h.storage.ArtifactStorage().GetFragment(r.Context(), artifactID, name)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Fragment not found: "+name)
			return
		}
		h.logger.Error().Err(err).
			Str("artifact_id", artifactID).
			Str("fragment", name).
			Msg("Failed to load fragment")
		WriteError(w, http.StatusInternalServerError, "Failed to load fragment")
		return
	}

	contentType := fragment.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+fragment.Name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(fragment.Data); err != nil {
		h.logger.Debug().Err(err).Str("artifact_id", artifactID).Msg("Fragment write aborted")
	}
}
