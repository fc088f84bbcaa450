// -----------------------------------------------------------------------
// Step Registry - explicit factory table for pipeline steps
// -----------------------------------------------------------------------

package pipeline

import (
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

// RequestedStepsParam mirrors the reserved soft-dependency parameter key.
const RequestedStepsParam = interfaces.RequestedStepsParam

// registration holds one step's factory and its validation surface.
type registration struct {
	factory     interfaces.StepFactory
	knownParams map[string]bool
}

// Registry discovers and instantiates step implementations by name from
// the configured set. Built once per process; factories construct a fresh
// step instance per run.
type Registry struct {
	steps  map[string]*registration
	config *common.Config
	logger arbor.ILogger
}

// NewRegistry creates an empty registry.
func NewRegistry(config *common.Config, logger arbor.ILogger) *Registry {
	return &Registry{
		steps:  make(map[string]*registration),
		config: config,
		logger: logger,
	}
}

// Register adds a step factory with the parameter keys the step accepts.
// Unknown parameter keys in a job request are rejected fail-closed.
func (r *Registry) Register(name string, factory interfaces.StepFactory, knownParams ...string) {
	known := make(map[string]bool, len(knownParams)+1)
	for _, p := range knownParams {
		known[p] = true
	}
	r.steps[name] = &registration{factory: factory, knownParams: known}
	r.logger.Debug().Str("step", name).Msg("Step registered")
}

// Has reports whether a step name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.steps[name]
	return ok
}

// Names returns the registered step names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStep constructs a fresh instance of a named step.
func (r *Registry) NewStep(name string) (interfaces.Step, error) {
	reg, ok := r.steps[name]
	if !ok {
		return nil, models.NewPipelineError(models.ErrInvalidPipeline, "unknown step: %s", name)
	}
	return reg.factory(), nil
}

// Validate checks the registry against configuration at build time: every
// configured step exists, no step depends on itself, and the declared
// dependency graph over all registered steps is acyclic.
func (r *Registry) Validate() error {
	for _, sc := range r.config.Steps {
		if !r.Has(sc.Name) {
			return models.NewPipelineError(models.ErrInvalidPipeline, "configured step is not registered: %s", sc.Name)
		}
	}

	names := r.Names()
	deps := make(map[string][]string, len(names))
	for _, name := range names {
		step, err := r.NewStep(name)
		if err != nil {
			return err
		}
		params := r.MergedParams(name, nil)
		params[RequestedStepsParam] = names
		for _, dep := range step.DeclaredDependencies(params) {
			deps[name] = append(deps[name], dep)
		}
	}

	_, err := BuildDAG(names, deps)
	return err
}

// MergedParams merges parameters for a step in precedence order: step
// defaults (owned by the step), pipeline-config file, per-job request.
func (r *Registry) MergedParams(name string, jobParams map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	if sc := r.config.StepConfigFor(name); sc != nil {
		for k, v := range sc.Params {
			merged[k] = v
		}
	}
	for k, v := range jobParams {
		merged[k] = v
	}
	return merged
}

// ValidateParams rejects unknown parameter keys fail-closed.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	reg, ok := r.steps[name]
	if !ok {
		return models.NewPipelineError(models.ErrInvalidPipeline, "unknown step: %s", name)
	}
	for key := range params {
		if key == RequestedStepsParam {
			continue
		}
		if !reg.knownParams[key] {
			return models.NewPipelineError(models.ErrInvalidPipeline,
				"unknown parameter %q for step %s", key, name)
		}
	}
	return nil
}

// RetryPolicyFor resolves the effective retry policy: the step's own
// policy overridden by step config, falling back to global defaults.
func (r *Registry) RetryPolicyFor(name string, step interfaces.Step) interfaces.RetryPolicy {
	policy := step.RetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = r.config.Retry.MaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Duration(r.config.Retry.BackOffSeconds * float64(time.Second))
	}
	if sc := r.config.StepConfigFor(name); sc != nil {
		if sc.MaxRetries > 0 {
			policy.MaxAttempts = sc.MaxRetries
		}
		if sc.BackOffSeconds > 0 {
			policy.BaseDelay = time.Duration(sc.BackOffSeconds * float64(time.Second))
		}
	}
	return policy
}

// TimeoutFor resolves the configured step timeout; zero means none.
func (r *Registry) TimeoutFor(name string) time.Duration {
	if sc := r.config.StepConfigFor(name); sc != nil && sc.TimeoutSeconds > 0 {
		return time.Duration(sc.TimeoutSeconds) * time.Second
	}
	return 0
}

// ConcurrencyFor resolves the per-step-class concurrency cap.
func (r *Registry) ConcurrencyFor(name string) int {
	if sc := r.config.StepConfigFor(name); sc != nil && sc.Concurrency > 0 {
		return sc.Concurrency
	}
	return 1
}
