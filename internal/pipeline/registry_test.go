package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

func newTestRegistry(cfg *common.Config, steps ...*fakeStep) *Registry {
	cfg.Steps = nil
	r := NewRegistry(cfg, arbor.NewLogger())
	for _, s := range steps {
		step := s
		r.Register(step.name, func() interfaces.Step { return step })
	}
	return r
}

func TestRegistry_HasAndNames(t *testing.T) {
	r := newTestRegistry(common.DefaultConfig(),
		&fakeStep{name: "zeta"}, &fakeStep{name: "alpha"})

	assert.True(t, r.Has("zeta"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())

	_, err := r.NewStep("missing")
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidPipeline, models.KindOf(err))
}

func TestRegistry_ValidateParamsFailClosed(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Steps = nil
	r := NewRegistry(cfg, arbor.NewLogger())
	step := &fakeStep{name: "scan"}
	r.Register("scan", func() interfaces.Step { return step }, "batch_size", "ignore_patterns")

	assert.NoError(t, r.ValidateParams("scan", map[string]interface{}{"batch_size": 100}))
	assert.NoError(t, r.ValidateParams("scan", nil))

	// The reserved soft-dependency key is always accepted.
	assert.NoError(t, r.ValidateParams("scan", map[string]interface{}{
		RequestedStepsParam: []string{"scan"},
	}))

	err := r.ValidateParams("scan", map[string]interface{}{"batchsize": 100})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidPipeline, models.KindOf(err))
	assert.Contains(t, err.Error(), "batchsize")
}

func TestRegistry_MergedParamsPrecedence(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Steps = []common.StepConfig{{
		Name:   "scan",
		Params: map[string]interface{}{"batch_size": 100, "hash_algorithm": "blake3"},
	}}
	r := NewRegistry(cfg, arbor.NewLogger())
	step := &fakeStep{name: "scan"}
	r.Register("scan", func() interfaces.Step { return step })

	merged := r.MergedParams("scan", map[string]interface{}{"batch_size": 25})
	assert.Equal(t, 25, merged["batch_size"], "job params override config params")
	assert.Equal(t, "blake3", merged["hash_algorithm"])
}

func TestRegistry_RetryPolicyResolution(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Retry.MaxRetries = 5
	cfg.Retry.BackOffSeconds = 2
	cfg.Steps = []common.StepConfig{
		{Name: "tuned", MaxRetries: 7, BackOffSeconds: 0.5},
		{Name: "plain"},
	}
	r := NewRegistry(cfg, arbor.NewLogger())
	tuned := &fakeStep{name: "tuned"}
	plain := &fakeStep{name: "plain"}
	r.Register("tuned", func() interfaces.Step { return tuned })
	r.Register("plain", func() interfaces.Step { return plain })

	p := r.RetryPolicyFor("tuned", tuned)
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)

	p = r.RetryPolicyFor("plain", plain)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
}

func TestRegistry_TimeoutAndConcurrency(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Steps = []common.StepConfig{{Name: "scan", Concurrency: 4, TimeoutSeconds: 90}}
	r := NewRegistry(cfg, arbor.NewLogger())
	step := &fakeStep{name: "scan"}
	r.Register("scan", func() interfaces.Step { return step })

	assert.Equal(t, 90*time.Second, r.TimeoutFor("scan"))
	assert.Equal(t, 4, r.ConcurrencyFor("scan"))
	assert.Equal(t, time.Duration(0), r.TimeoutFor("other"))
	assert.Equal(t, 1, r.ConcurrencyFor("other"))
}

func TestRegistry_ValidateRejectsUnregisteredConfig(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Steps = []common.StepConfig{{Name: "ghost"}}
	r := NewRegistry(cfg, arbor.NewLogger())

	err := r.Validate()
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidPipeline, models.KindOf(err))
}

func TestRegistry_ValidateRejectsDependencyCycle(t *testing.T) {
	r := newTestRegistry(common.DefaultConfig(),
		&fakeStep{name: "a", deps: []string{"b"}},
		&fakeStep{name: "b", deps: []string{"a"}})

	err := r.Validate()
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidPipeline, models.KindOf(err))
}
