// -----------------------------------------------------------------------
// Configuration - TOML config with multi-file merge and validation
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config is the application configuration, loaded from TOML with later
// files overriding earlier ones, then environment, then CLI flags.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Graph       GraphConfig     `toml:"graph"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Retry       RetryConfig     `toml:"retry"`
	Steps       []StepConfig    `toml:"steps"`
	LLM         LLMConfig       `toml:"llm"`
	Logging     LoggingConfig   `toml:"logging"`
	Events      EventsConfig    `toml:"events"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// GraphConfig tunes the graph store adapter.
type GraphConfig struct {
	Database          string `toml:"database"`
	PoolSize          int    `toml:"pool_size" validate:"gte=1"`
	ConnectionTimeout string `toml:"connection_timeout"`
	MaxRetryTime      string `toml:"max_retry_time"`
	EmbeddingDim      int    `toml:"embedding_dim" validate:"gte=1"`
}

// PipelineConfig carries orchestrator-level knobs.
type PipelineConfig struct {
	FailFast              bool   `toml:"fail_fast"`
	CancelDeadlineSeconds int    `toml:"cancel_deadline_seconds" validate:"gte=1"`
	MaxConcurrentJobs     int    `toml:"max_concurrent_jobs" validate:"gte=1"`
	DefinitionsDir        string `toml:"definitions_dir"`
}

// RetryConfig holds global retry defaults, overridable per step.
type RetryConfig struct {
	MaxRetries     int     `toml:"max_retries" validate:"gte=1"`
	BackOffSeconds float64 `toml:"back_off_seconds" validate:"gt=0"`
}

// StepConfig configures one registered step.
type StepConfig struct {
	Name           string                 `toml:"name" validate:"required"`
	Concurrency    int                    `toml:"concurrency" validate:"gte=0"`
	MaxRetries     int                    `toml:"max_retries" validate:"gte=0"`
	BackOffSeconds float64                `toml:"back_off_seconds" validate:"gte=0"`
	TimeoutSeconds int                    `toml:"timeout_seconds" validate:"gte=0"`
	Params         map[string]interface{} `toml:"params"`
}

// LLMConfig selects and tunes the LLM providers.
type LLMConfig struct {
	Mode           string  `toml:"mode" validate:"oneof=cloud offline"`
	ChatModel      string  `toml:"chat_model"`
	EmbeddingModel string  `toml:"embedding_model"`
	AnthropicKey   string  `toml:"anthropic_key"`
	GeminiKey      string  `toml:"gemini_key"`
	RatePerSecond  float64 `toml:"rate_per_second" validate:"gt=0"`
	MaxRetries     int     `toml:"max_retries" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"`
	Output []string `toml:"output"`
}

// EventsConfig tunes the progress bus.
type EventsConfig struct {
	SubscriberBuffer int    `toml:"subscriber_buffer" validate:"gte=1"`
	RetentionTTL     string `toml:"retention_ttl"`
}

// SchedulerConfig drives cron maintenance (event trim, badger GC).
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// DefaultConfig returns the built-in defaults, the lowest precedence layer.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8780,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/codestory"},
		},
		Graph: GraphConfig{
			Database:          "codestory",
			PoolSize:          8,
			ConnectionTimeout: "30s",
			MaxRetryTime:      "15s",
			EmbeddingDim:      1536,
		},
		Pipeline: PipelineConfig{
			FailFast:              true,
			CancelDeadlineSeconds: 30,
			MaxConcurrentJobs:     4,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BackOffSeconds: 1.0,
		},
		Steps: []StepConfig{
			{Name: "filesystem", Concurrency: 1, TimeoutSeconds: 600},
			{Name: "astextract", Concurrency: 1, TimeoutSeconds: 300},
			{Name: "summarizer", Concurrency: 5, TimeoutSeconds: 1800},
			{Name: "docgrapher", Concurrency: 1, TimeoutSeconds: 600},
		},
		LLM: LLMConfig{
			Mode:           "offline",
			ChatModel:      "claude-sonnet-4-5",
			EmbeddingModel: "gemini-embedding-001",
			RatePerSecond:  5,
			MaxRetries:     3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Events: EventsConfig{
			SubscriberBuffer: 256,
			RetentionTTL:     "1h",
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Schedule: "@every 10m",
		},
	}
}

// LoadConfig merges defaults, config files (in order), environment
// variables, then CLI overrides.
func LoadConfig(paths []string, host string, port int) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Steps = dedupeSteps(cfg.Steps)
	applyEnvOverrides(cfg)

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dedupeSteps keeps the last entry per step name. TOML array tables from
// config files accumulate onto the built-in defaults, so a file entry for
// a default step supersedes it rather than duplicating it.
func dedupeSteps(steps []StepConfig) []StepConfig {
	last := make(map[string]int, len(steps))
	for i, s := range steps {
		last[s.Name] = i
	}
	out := make([]StepConfig, 0, len(last))
	for i, s := range steps {
		if last[s.Name] == i {
			out = append(out, s)
		}
	}
	return out
}

// applyEnvOverrides applies CODESTORY_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODESTORY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CODESTORY_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("CODESTORY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.LLM.GeminiKey == "" {
		cfg.LLM.GeminiKey = v
	}
}

// Validate checks structural constraints via validator tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Steps))
	for _, step := range c.Steps {
		if seen[step.Name] {
			return fmt.Errorf("invalid configuration: duplicate step config %q", step.Name)
		}
		seen[step.Name] = true
	}

	if _, err := time.ParseDuration(c.Events.RetentionTTL); err != nil {
		return fmt.Errorf("invalid configuration: events.retention_ttl: %w", err)
	}
	return nil
}

// StepConfigFor returns the configured entry for a step name, or nil.
func (c *Config) StepConfigFor(name string) *StepConfig {
	for i := range c.Steps {
		if c.Steps[i].Name == name {
			return &c.Steps[i]
		}
	}
	return nil
}

// RetentionTTL parses the configured event retention window.
func (c *Config) RetentionTTL() time.Duration {
	d, err := time.ParseDuration(c.Events.RetentionTTL)
	if err != nil {
		return time.Hour
	}
	return d
}
