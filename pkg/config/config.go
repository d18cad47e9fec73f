// Package config loads and validates the helmsman configuration from a
// config directory (helmsman.yaml + prompts.yaml + .env).
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	LLM          LLMConfig          `yaml:"llm"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Events       EventsConfig       `yaml:"events"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Database     DatabaseConfig     `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort         string   `yaml:"http_port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// SchedulerConfig bounds the agent scheduler.
type SchedulerConfig struct {
	// MaxConcurrentTasks is the global limit of tasks in the running state.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TaskTimeout is the maximum wall-clock time for a single task.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// RetryCeiling bounds scheduler re-enqueues and quality-driven retries.
	RetryCeiling int `yaml:"retry_ceiling"`

	// QueueCapacity bounds the submission queue; submissions beyond it fail
	// with capacity_exhausted.
	QueueCapacity int `yaml:"queue_capacity"`
}

// LLMProviderConfig describes one upstream LLM provider.
type LLMProviderConfig struct {
	// Type selects the wire protocol: "openai" (OpenAI-compatible chat
	// completions) or "anthropic" (Messages API).
	Type string `yaml:"type"`

	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// LLMConfig holds gateway settings.
type LLMConfig struct {
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	DefaultProvider string                       `yaml:"default_provider"`
	CacheCapacity   int                          `yaml:"cache_capacity"`
	Timeout         time.Duration                `yaml:"timeout"`
}

// EmbeddingConfig selects the embedding function for vector stores.
type EmbeddingConfig struct {
	// Provider is "openai" or "local" (deterministic feature hashing, for
	// development and tests).
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// RetrievalConfig bounds the retrieval layer.
type RetrievalConfig struct {
	Fanout        int             `yaml:"fanout"`
	CacheTTL      time.Duration   `yaml:"cache_ttl"`
	CacheCapacity int             `yaml:"cache_capacity"`
	WorkspaceRoot string          `yaml:"workspace_root"`
	PersistPath   string          `yaml:"persist_path,omitempty"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
}

// EventsConfig bounds the event bus.
type EventsConfig struct {
	// SubscriberBuffer is the per-subscriber event buffer; a subscriber that
	// falls further behind than this is disconnected.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// CatchupLimit caps how many persisted events are replayed on subscribe.
	CatchupLimit int `yaml:"catchup_limit"`
}

// SynthesisMode controls when the orchestrator runs a final synthesis call
// over multi-step plan outputs.
type SynthesisMode string

// Synthesis modes.
const (
	SynthesisAlways    SynthesisMode = "always"
	SynthesisMultiStep SynthesisMode = "multi_step"
	SynthesisNever     SynthesisMode = "never"
)

// OrchestratorConfig holds manager control-loop settings.
type OrchestratorConfig struct {
	Synthesis SynthesisMode `yaml:"synthesis"`

	// Greetings short-circuit classification for trivial queries.
	Greetings []string `yaml:"greetings"`

	// LLMTimeout bounds an individual gateway call made by the control loop.
	LLMTimeout time.Duration `yaml:"llm_timeout"`
}

// DatabaseConfig holds PostgreSQL settings. When Enabled is false, sessions
// and events live in memory only.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN builds the pgx-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Default returns the built-in defaults. Values mirror the documented
// configuration contract.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:         "8080",
			AllowedWSOrigins: nil,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 5,
			TaskTimeout:        60 * time.Second,
			RetryCeiling:       2,
			QueueCapacity:      256,
		},
		LLM: LLMConfig{
			Providers:       map[string]LLMProviderConfig{},
			CacheCapacity:   1024,
			Timeout:         30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Fanout:        8,
			CacheTTL:      60 * time.Second,
			CacheCapacity: 512,
			Embedding: EmbeddingConfig{
				Provider: "local",
			},
		},
		Events: EventsConfig{
			SubscriberBuffer: 256,
			CatchupLimit:     200,
		},
		Orchestrator: OrchestratorConfig{
			Synthesis:  SynthesisMultiStep,
			Greetings:  []string{"hi", "hello", "hey", "yo", "thanks", "thank you", "bye"},
			LLMTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			User:            "helmsman",
			Database:        "helmsman",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Validate checks invariants that cannot be expressed in the type system.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be >= 1, got %d", c.Scheduler.MaxConcurrentTasks)
	}
	if c.Scheduler.RetryCeiling < 0 {
		return fmt.Errorf("scheduler.retry_ceiling must be >= 0, got %d", c.Scheduler.RetryCeiling)
	}
	if c.Retrieval.Fanout < 1 {
		return fmt.Errorf("retrieval.fanout must be >= 1, got %d", c.Retrieval.Fanout)
	}
	if c.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("events.subscriber_buffer must be >= 1, got %d", c.Events.SubscriberBuffer)
	}
	if c.Retrieval.WorkspaceRoot != "" && !filepath.IsAbs(c.Retrieval.WorkspaceRoot) {
		return fmt.Errorf("retrieval.workspace_root must be an absolute path, got %q", c.Retrieval.WorkspaceRoot)
	}
	switch c.Orchestrator.Synthesis {
	case SynthesisAlways, SynthesisMultiStep, SynthesisNever:
	default:
		return fmt.Errorf("orchestrator.synthesis must be always|multi_step|never, got %q", c.Orchestrator.Synthesis)
	}
	if c.LLM.DefaultProvider != "" {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("llm.default_provider %q is not a configured provider", c.LLM.DefaultProvider)
		}
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("llm provider %q: type must be openai|anthropic, got %q", name, p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("llm provider %q: model is required", name)
		}
	}
	return nil
}
