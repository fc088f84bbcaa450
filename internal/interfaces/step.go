// -----------------------------------------------------------------------
// Step contract - the capability set every pipeline step implements
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// RequestedStepsParam is the reserved parameter key under which the
// orchestrator exposes the job's requested step names, so steps can
// resolve soft dependencies against the actual pipeline.
const RequestedStepsParam = "_requested_steps"

// RetryPolicy bounds step retries. Classify decides whether an error is
// retryable; nil means retry everything except cancellation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Classify    func(error) bool
}

// Retryable applies the policy classifier to an error.
func (p RetryPolicy) Retryable(err error) bool {
	if p.Classify == nil {
		return true
	}
	return p.Classify(err)
}

// WorkHint is an optional size estimate used only for progress smoothing.
type WorkHint struct {
	Units int
}

// Step is a unit of ingestion work. Implementations must honor context
// cancellation at I/O boundaries and between logical units, and must be
// safe to construct fresh per run (instances are never shared).
type Step interface {
	// Name returns the stable step identifier.
	Name() string

	// DeclaredDependencies returns the step names that must have
	// succeeded before this step becomes ready, resolved against the
	// job's requested steps.
	DeclaredDependencies(params map[string]interface{}) []string

	// Run executes the step. A nil return means success; context
	// cancellation surfaces as ctx.Err(); anything else is a failure
	// classified by the retry policy.
	Run(ctx context.Context, sc *StepContext) error

	// RetryPolicy returns the step's retry bounds and classifier.
	RetryPolicy() RetryPolicy
}

// WorkEstimator is optionally implemented by steps that can size their work.
type WorkEstimator interface {
	Estimate(sc *StepContext) WorkHint
}

// StepFactory constructs a fresh step instance per run.
type StepFactory func() Step

// StepContext is the per-run context handed to a step: repo path, merged
// parameters, service handles, progress publisher, job-scoped logger, and
// a key-value scratch area for inter-step handoff.
type StepContext struct {
	JobID     string
	RepoPath  string
	Params    map[string]interface{}
	Attempt   int
	Graph     GraphService
	Embedder  EmbeddingService
	LLM       LLMService
	Publisher ProgressPublisher
	Logger    arbor.ILogger
	State     *JobScratch
}

// ParamString reads a string parameter with a default.
func (sc *StepContext) ParamString(key, def string) string {
	if v, ok := sc.Params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ParamInt reads an integer parameter with a default. JSON and TOML both
// decode numbers loosely, so accept the common numeric types.
func (sc *StepContext) ParamInt(key string, def int) int {
	switch v := sc.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ParamFloat reads a float parameter with a default.
func (sc *StepContext) ParamFloat(key string, def float64) float64 {
	switch v := sc.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// ParamBool reads a boolean parameter with a default.
func (sc *StepContext) ParamBool(key string, def bool) bool {
	if v, ok := sc.Params[key].(bool); ok {
		return v
	}
	return def
}

// ParamStringSlice reads a string list parameter.
func (sc *StepContext) ParamStringSlice(key string) []string {
	switch v := sc.Params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// JobScratch is the job-scoped key-value state area steps use to hand
// results to dependents. Safe for concurrent use.
type JobScratch struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewJobScratch creates an empty scratch area.
func NewJobScratch() *JobScratch {
	return &JobScratch{values: make(map[string]interface{})}
}

// Set stores a value.
func (s *JobScratch) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get reads a value.
func (s *JobScratch) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}
