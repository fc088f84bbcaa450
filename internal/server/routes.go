// -----------------------------------------------------------------------
// Routes - API surface registration
// -----------------------------------------------------------------------

package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// setupRoutes registers the API surface on the mux.
func (s *Server) setupRoutes() {
	// Job control
	s.router.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.jobHandler.SubmitHandler(w, r)
		case http.MethodGet:
			s.jobHandler.ListJobsHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	s.router.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			s.jobHandler.CancelJobHandler(w, r)
		case strings.HasSuffix(r.URL.Path, "/events"):
			s.jobHandler.EventsHandler(w, r)
		case r.Method == http.MethodGet:
			s.jobHandler.GetJobHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Live progress streaming
	s.router.HandleFunc("/ws", s.wsHandler.HandleWebSocket)

	// Health
	s.router.HandleFunc("/health", s.healthHandler)
	s.router.HandleFunc("/api/version", s.versionHandler)
}

// healthHandler reports process liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "codestory",
	})
}

// versionHandler reports the build version.
func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": s.version,
	})
}
