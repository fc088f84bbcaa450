// -----------------------------------------------------------------------
// Job Handler - submit, query, list, and cancel pipeline jobs
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/ternarybob/codestory/internal/pipeline"
)

// JobHandler exposes the orchestrator over HTTP.
type JobHandler struct {
	jobs        interfaces.JobService
	bus         interfaces.ProgressBus
	definitions map[string]*pipeline.Definition
	logger      arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs interfaces.JobService, bus interfaces.ProgressBus, definitions map[string]*pipeline.Definition, logger arbor.ILogger) *JobHandler {
	return &JobHandler{jobs: jobs, bus: bus, definitions: definitions, logger: logger}
}

// submitRequest is the JSON body for job submission. Either an inline
// step list or the name of a loaded pipeline definition.
type submitRequest struct {
	RepoPath string                 `json:"repo_path"`
	Steps    []models.RequestedStep `json:"steps,omitempty"`
	Pipeline string                 `json:"pipeline,omitempty"`
}

// SubmitHandler accepts a job request and returns the job immediately.
// POST /api/jobs
func (h *JobHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	steps := req.Steps
	if len(steps) == 0 && req.Pipeline != "" {
		def, ok := h.definitions[req.Pipeline]
		if !ok {
			h.writeError(w, models.NewPipelineError(models.ErrInvalidPipeline,
				"unknown pipeline definition %q", req.Pipeline))
			return
		}
		steps = def.RequestedSteps()
	}

	job, err := h.jobs.Submit(r.Context(), &interfaces.SubmitRequest{
		RepoPath: req.RepoPath,
		Steps:    steps,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("repo_path", job.RepoPath).
		Msg("Job submitted via API")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

// GetJobHandler returns a single job snapshot.
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// ListJobsHandler returns a filtered, paginated job list.
// GET /api/jobs?status=running&repo_prefix=/src&created_after=2026-01-01T00:00:00Z&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	opts := &models.JobListOptions{
		Status:         models.JobStatus(r.URL.Query().Get("status")),
		RepoPathPrefix: r.URL.Query().Get("repo_prefix"),
		Limit:          50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			opts.Limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			opts.Offset = parsed
		}
	}
	if v := r.URL.Query().Get("created_after"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "created_after must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		opts.CreatedAfter = &parsed
	}
	if v := r.URL.Query().Get("created_before"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "created_before must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		opts.CreatedBefore = &parsed
	}

	jobs, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// CancelJobHandler requests cooperative cancellation. Idempotent.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := jobIDFromPath(strings.TrimSuffix(r.URL.Path, "/cancel"))
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancellation requested", "job_id": jobID})
}

// EventsHandler returns the retained event snapshot for a job.
// GET /api/jobs/{id}/events?since_sequence=0
func (h *JobHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(strings.TrimSuffix(r.URL.Path, "/events"))
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	var since uint64
	if v := r.URL.Query().Get("since_sequence"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			since = parsed
		}
	}

	events, err := h.bus.Snapshot(r.Context(), jobID, since)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"events": events, "count": len(events)})
}

// writeError maps pipeline error kinds to HTTP status codes.
func (h *JobHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := models.KindOf(err)
	switch kind {
	case models.ErrInvalidPipeline, models.ErrRepoNotAccessible:
		status = http.StatusBadRequest
	case models.ErrNotFound:
		status = http.StatusNotFound
	}

	var perr *models.PipelineError
	message := err.Error()
	if errors.As(err, &perr) {
		message = perr.Message
	}

	h.logger.Warn().Err(err).Str("kind", string(kind)).Msg("API request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": string(kind)})
}

// jobIDFromPath extracts the job ID segment from /api/jobs/{id}[/...].
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
