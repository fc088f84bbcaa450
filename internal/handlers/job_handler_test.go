package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/ternarybob/codestory/internal/pipeline"
)

// fakeJobService scripts JobService responses for handler tests.
type fakeJobService struct {
	submitted *interfaces.SubmitRequest
	job       *models.Job
	jobs      []*models.Job
	listOpts  *models.JobListOptions
	cancelled []string
	err       error
}

func (f *fakeJobService) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	f.submitted = req
	return f.job, f.err
}

func (f *fakeJobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.job, nil
}

func (f *fakeJobService) ListJobs(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, error) {
	f.listOpts = opts
	return f.jobs, f.err
}

func (f *fakeJobService) Cancel(ctx context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return f.err
}

func (f *fakeJobService) WaitForJob(ctx context.Context, jobID string) (*models.Job, error) {
	return f.job, f.err
}

// fakeBus serves canned snapshots; the streaming paths are not exercised
// here.
type fakeBus struct {
	events []models.ProgressEvent
	since  uint64
}

func (f *fakeBus) Publish(ctx context.Context, event models.ProgressEvent) error { return nil }
func (f *fakeBus) Subscribe(ctx context.Context, jobID string, sinceSequence uint64) (*interfaces.Subscription, error) {
	return nil, nil
}
func (f *fakeBus) Unsubscribe(subscriptionID string) {}
func (f *fakeBus) Snapshot(ctx context.Context, jobID string, sinceSequence uint64) ([]models.ProgressEvent, error) {
	f.since = sinceSequence
	return f.events, nil
}
func (f *fakeBus) TrimExpired(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeBus) Close() error                                 { return nil }

func newTestHandler(svc *fakeJobService, bus *fakeBus) *JobHandler {
	if bus == nil {
		bus = &fakeBus{}
	}
	definitions := map[string]*pipeline.Definition{
		"full": {
			Name: "full",
			Steps: []pipeline.DefinitionStep{
				{Name: "filesystem"},
				{Name: "astextract", Params: map[string]interface{}{"image": "codestory/ast-python:latest"}},
			},
		},
	}
	return NewJobHandler(svc, bus, definitions, arbor.NewLogger())
}

func TestSubmitHandler_AcceptsJob(t *testing.T) {
	job := models.NewJob("/src/repo", []models.RequestedStep{{Name: "filesystem"}})
	svc := &fakeJobService{job: job}
	h := newTestHandler(svc, nil)

	body := `{"repo_path":"/src/repo","steps":[{"name":"filesystem","params":{"hash_algorithm":"sha256"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, svc.submitted)
	assert.Equal(t, "/src/repo", svc.submitted.RepoPath)
	require.Len(t, svc.submitted.Steps, 1)
	assert.Equal(t, "sha256", svc.submitted.Steps[0].Params["hash_algorithm"])

	var out models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, job.ID, out.ID)
}

func TestSubmitHandler_ResolvesNamedPipeline(t *testing.T) {
	job := models.NewJob("/src/repo", []models.RequestedStep{{Name: "filesystem"}})
	svc := &fakeJobService{job: job}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"repo_path":"/src/repo","pipeline":"full"}`))
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, svc.submitted)
	require.Len(t, svc.submitted.Steps, 2)
	assert.Equal(t, "filesystem", svc.submitted.Steps[0].Name)
	assert.Equal(t, "codestory/ast-python:latest", svc.submitted.Steps[1].Params["image"])
}

func TestSubmitHandler_UnknownPipelineRejected(t *testing.T) {
	svc := &fakeJobService{}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"repo_path":"/src/repo","pipeline":"ghost"}`))
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.submitted, "submission must not reach the service")
}

func TestSubmitHandler_RejectsBadBody(t *testing.T) {
	h := newTestHandler(&fakeJobService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandler_RejectsWrongMethod(t *testing.T) {
	h := newTestHandler(&fakeJobService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubmitHandler_MapsValidationErrors(t *testing.T) {
	svc := &fakeJobService{
		err: models.NewPipelineError(models.ErrInvalidPipeline, "unknown step %q", "ghost"),
	}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"repo_path":"/src","steps":[{"name":"ghost"}]}`))
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, string(models.ErrInvalidPipeline), out["kind"])
	assert.Contains(t, out["error"], "ghost")
}

func TestGetJobHandler(t *testing.T) {
	job := models.NewJob("/src/repo", []models.RequestedStep{{Name: "filesystem"}})
	h := newTestHandler(&fakeJobService{job: job}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	h.GetJobHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, job.ID, out.ID)
}

func TestGetJobHandler_NotFound(t *testing.T) {
	svc := &fakeJobService{err: models.NewPipelineError(models.ErrNotFound, "job not found")}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_missing", nil)
	rec := httptest.NewRecorder()
	h.GetJobHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandler_ParsesFilters(t *testing.T) {
	svc := &fakeJobService{jobs: []*models.Job{
		models.NewJob("/src/a", []models.RequestedStep{{Name: "filesystem"}}),
	}}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/api/jobs?status=running&repo_prefix=/src&limit=10&offset=20", nil)
	rec := httptest.NewRecorder()
	h.ListJobsHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.listOpts)
	assert.Equal(t, models.JobStatusRunning, svc.listOpts.Status)
	assert.Equal(t, "/src", svc.listOpts.RepoPathPrefix)
	assert.Equal(t, 10, svc.listOpts.Limit)
	assert.Equal(t, 20, svc.listOpts.Offset)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(1), out["count"])
}

func TestListJobsHandler_ParsesCreatedWindow(t *testing.T) {
	svc := &fakeJobService{}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/api/jobs?created_after=2026-08-01T00:00:00Z&created_before=2026-08-02T12:30:00Z", nil)
	rec := httptest.NewRecorder()
	h.ListJobsHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.listOpts)
	require.NotNil(t, svc.listOpts.CreatedAfter)
	require.NotNil(t, svc.listOpts.CreatedBefore)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), svc.listOpts.CreatedAfter.UTC())
	assert.Equal(t, time.Date(2026, 8, 2, 12, 30, 0, 0, time.UTC), svc.listOpts.CreatedBefore.UTC())
}

func TestListJobsHandler_RejectsBadTimestamp(t *testing.T) {
	svc := &fakeJobService{}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?created_after=yesterday", nil)
	rec := httptest.NewRecorder()
	h.ListJobsHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.listOpts, "the query must not reach the service")
}

func TestListJobsHandler_DefaultLimit(t *testing.T) {
	svc := &fakeJobService{}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	h.ListJobsHandler(rec, req)

	require.NotNil(t, svc.listOpts)
	assert.Equal(t, 50, svc.listOpts.Limit)
}

func TestCancelJobHandler(t *testing.T) {
	svc := &fakeJobService{}
	h := newTestHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job_abc/cancel", nil)
	rec := httptest.NewRecorder()
	h.CancelJobHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job_abc"}, svc.cancelled)
}

func TestEventsHandler_PassesSinceSequence(t *testing.T) {
	bus := &fakeBus{events: []models.ProgressEvent{
		{JobID: "job_abc", Sequence: 3, Kind: models.EventStepProgress},
	}}
	h := newTestHandler(&fakeJobService{}, bus)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_abc/events?since_sequence=2", nil)
	rec := httptest.NewRecorder()
	h.EventsHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(2), bus.since)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(1), out["count"])
}

func TestJobIDFromPath(t *testing.T) {
	assert.Equal(t, "job_abc", jobIDFromPath("/api/jobs/job_abc"))
	assert.Equal(t, "job_abc", jobIDFromPath("/api/jobs/job_abc/"))
	assert.Equal(t, "", jobIDFromPath("/api/jobs"))
}
