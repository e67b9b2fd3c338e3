package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (pipeline job management)
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.GetJobStatsHandler)
	mux.HandleFunc("/api/jobs", s.handleJobsRoot)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Secretary webhook callbacks
	mux.HandleFunc("/api/callbacks/", s.handleCallbackRoutes)

	// API routes - Artifact fragment downloads
	mux.HandleFunc("/api/artifacts/", s.handleArtifactRoutes)

	// API routes - Batches
	mux.HandleFunc("/api/batches", s.app.BatchHandler.CreateBatchHandler)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoot dispatches /api/jobs by method: POST creates, GET lists
func (s *Server) handleJobsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.JobHandler.CreateJobHandler(w, r)
	case http.MethodGet:
		s.app.JobHandler.ListJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /api/jobs/{id} and /api/jobs/{id}/trace
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.app.JobHandler.GetJobHandler(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "trace":
		s.app.JobHandler.GetJobTraceHandler(w, r, parts[0])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCallbackRoutes routes /api/callbacks/{jobID}
func (s *Server) handleCallbackRoutes(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/callbacks/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.app.CallbackHandler.HandleCallback(w, r, jobID)
}

// handleArtifactRoutes routes /api/artifacts/{id}/fragments/{name}
func (s *Server) handleArtifactRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/artifacts/")
	parts := strings.Split(path, "/")

	if len(parts) == 3 && parts[0] != "" && parts[1] == "fragments" && parts[2] != "" {
		s.app.ArtifactHandler.GetFragmentHandler(w, r, parts[0], parts[2])
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}

// handleBatchRoutes routes /api/batches/{id}
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	if batchID == "" || strings.Contains(batchID, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.app.BatchHandler.GetBatchHandler(w, r, batchID)
}
