package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8780, cfg.Server.Port)
	assert.Equal(t, "offline", cfg.LLM.Mode)
	assert.True(t, cfg.Pipeline.FailFast)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Len(t, cfg.Steps, 4)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, "codestory.toml", `
environment = "production"

[server]
port = 9000

[llm]
mode = "offline"
`)

	cfg, err := LoadConfig([]string{path}, "", 0)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9000, cfg.Server.Port)
	// Untouched sections keep defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 1536, cfg.Graph.EmbeddingDim)
}

func TestLoadConfig_LaterFileWins(t *testing.T) {
	first := writeConfigFile(t, "base.toml", `
[server]
port = 9000
host = "0.0.0.0"
`)
	second := writeConfigFile(t, "local.toml", `
[server]
port = 9100
`)

	cfg, err := LoadConfig([]string{first, second}, "", 0)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "fields the later file omits survive")
}

func TestLoadConfig_FlagsWinOverFiles(t *testing.T) {
	path := writeConfigFile(t, "codestory.toml", `
[server]
port = 9000
`)

	cfg, err := LoadConfig([]string{path}, "127.0.0.1", 9999)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadConfig_StepEntriesOverrideDefaults(t *testing.T) {
	path := writeConfigFile(t, "codestory.toml", `
[[steps]]
name = "summarizer"
concurrency = 2
timeout_seconds = 900
`)

	cfg, err := LoadConfig([]string{path}, "", 0)
	require.NoError(t, err)

	sc := cfg.StepConfigFor("summarizer")
	require.NotNil(t, sc)
	assert.Equal(t, 2, sc.Concurrency)

	seen := map[string]bool{}
	for _, s := range cfg.Steps {
		assert.False(t, seen[s.Name], "step %s configured twice", s.Name)
		seen[s.Name] = true
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("CODESTORY_PORT", "8123")
	t.Setenv("CODESTORY_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(nil, "", 0)
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig([]string{"/nonexistent/codestory.toml"}, "", 0)
	assert.Error(t, err)
}

func TestValidate_RejectsBadLLMMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Mode = "hybrid"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateStepConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Steps = append(cfg.Steps, StepConfig{Name: "filesystem"})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step config")
}

func TestValidate_RejectsBadRetentionTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.RetentionTTL = "forever"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestStepConfigFor(t *testing.T) {
	cfg := DefaultConfig()

	sc := cfg.StepConfigFor("summarizer")
	require.NotNil(t, sc)
	assert.Equal(t, 5, sc.Concurrency)

	assert.Nil(t, cfg.StepConfigFor("ghost"))
}

func TestRetentionTTL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Hour, cfg.RetentionTTL())

	cfg.Events.RetentionTTL = "30m"
	assert.Equal(t, 30*time.Minute, cfg.RetentionTTL())

	cfg.Events.RetentionTTL = "bogus"
	assert.Equal(t, time.Hour, cfg.RetentionTTL(), "unparseable TTL falls back")
}
