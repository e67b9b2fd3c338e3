// -----------------------------------------------------------------------
// Callback handler - webhook entry point for the Secretary compute service
// -----------------------------------------------------------------------

package handlers

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/services/pipeline"
)

// maxCallbackBody caps webhook bodies; final payloads carry base64 archives
// so the limit is generous.
const maxCallbackBody = 256 << 20

// CallbackHandler receives webhook callbacks and feeds them to the pipeline
type CallbackHandler struct {
	pipeline *pipeline.Service
	config   *common.Config
	logger   arbor.ILogger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(pipelineService *pipeline.Service, config *common.Config, logger arbor.ILogger) *CallbackHandler {
	return &CallbackHandler{
		pipeline: pipelineService,
		config:   config,
		logger:   logger,
	}
}

// HandleCallback handles POST /api/callbacks/{jobID}. An accepted callback
// always answers 200, even when processing degrades to a no-op; the Secretary
// retries on anything else and the state machine absorbs redelivery.
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read callback body")
		return
	}

	outcome, err := h.pipeline.ProcessCallback(r.Context(), jobID, h.headerToken(r), h.isInternalCaller(r), body)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrUnauthorized):
			WriteError(w, http.StatusUnauthorized, "Invalid callback token")
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, "Job not found: "+jobID)
		default:
			h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Callback rejected")
			WriteError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	WriteJSON(w, http.StatusOK, outcome)
}

// headerToken extracts the per-job callback token from the request headers.
// X-Callback-Token wins; a bearer Authorization header is accepted as well.
func (h *CallbackHandler) headerToken(r *http.Request) string {
	if token := r.Header.Get("X-Callback-Token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// isInternalCaller reports whether the request carries the configured internal
// bypass token. An empty configured token disables the bypass entirely.
func (h *CallbackHandler) isInternalCaller(r *http.Request) bool {
	configured := h.config.Callbacks.InternalToken
	if configured == "" {
		return false
	}
	presented := r.Header.Get("X-Internal-Token")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
