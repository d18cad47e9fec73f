package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/helmsman-project/helmsman/pkg/models"
)

// fileConfig mirrors Config but with durations as strings so YAML stays
// human-readable ("30s", "1m").
type fileConfig struct {
	Server       *ServerConfig      `yaml:"server"`
	Scheduler    *schedulerYAML     `yaml:"scheduler"`
	LLM          *llmYAML           `yaml:"llm"`
	Retrieval    *retrievalYAML     `yaml:"retrieval"`
	Events       *EventsConfig      `yaml:"events"`
	Orchestrator *orchestratorYAML  `yaml:"orchestrator"`
	Database     *databaseYAML      `yaml:"database"`
}

type schedulerYAML struct {
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	TaskTimeout        string `yaml:"task_timeout"`
	RetryCeiling       *int   `yaml:"retry_ceiling"`
	QueueCapacity      int    `yaml:"queue_capacity"`
}

type llmYAML struct {
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	DefaultProvider string                       `yaml:"default_provider"`
	CacheCapacity   int                          `yaml:"cache_capacity"`
	Timeout         string                       `yaml:"timeout"`
}

type retrievalYAML struct {
	Fanout        int             `yaml:"fanout"`
	CacheTTL      string          `yaml:"cache_ttl"`
	CacheCapacity int             `yaml:"cache_capacity"`
	WorkspaceRoot string          `yaml:"workspace_root"`
	PersistPath   string          `yaml:"persist_path"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
}

type orchestratorYAML struct {
	Synthesis  string   `yaml:"synthesis"`
	Greetings  []string `yaml:"greetings"`
	LLMTimeout string   `yaml:"llm_timeout"`
}

type databaseYAML struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	PasswordEnv  string `yaml:"password_env"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// envVarRE matches ${VAR} references in YAML values.
var envVarRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envVarRE.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envVarRE.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Initialize loads, merges, and validates configuration from configDir.
//
// Steps performed:
//  1. Read helmsman.yaml (optional, defaults apply when absent)
//  2. Expand ${ENV} references
//  3. Parse YAML and convert duration strings
//  4. Merge onto built-in defaults
//  5. Load prompt templates from prompts.yaml (optional)
//  6. Validate
func Initialize(configDir string) (*Config, []models.PromptTemplate, error) {
	log := slog.With("config_dir", configDir)

	cfg := Default()

	path := filepath.Join(configDir, "helmsman.yaml")
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No helmsman.yaml found, using defaults")
	case err != nil:
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		var fc fileConfig
		if err := yaml.Unmarshal(expandEnv(raw), &fc); err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		override, err := fc.toConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid values in %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
			return nil, nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		// mergo treats an explicit zero as "unset"; retry_ceiling = 0 is a
		// meaningful override (disables retries), so carry it by hand.
		if fc.Scheduler != nil && fc.Scheduler.RetryCeiling != nil {
			cfg.Scheduler.RetryCeiling = *fc.Scheduler.RetryCeiling
		}
		log.Info("Loaded configuration", "path", path)
	}

	applyEnvOverrides(cfg)

	templates, err := loadPrompts(configDir)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration invalid: %w", err)
	}

	return cfg, templates, nil
}

// toConfig converts the YAML shape into the runtime Config, parsing durations.
func (fc *fileConfig) toConfig() (Config, error) {
	var out Config
	if fc.Server != nil {
		out.Server = *fc.Server
	}
	if fc.Scheduler != nil {
		out.Scheduler.MaxConcurrentTasks = fc.Scheduler.MaxConcurrentTasks
		out.Scheduler.QueueCapacity = fc.Scheduler.QueueCapacity
		d, err := parseDuration(fc.Scheduler.TaskTimeout)
		if err != nil {
			return out, fmt.Errorf("scheduler.task_timeout: %w", err)
		}
		out.Scheduler.TaskTimeout = d
	}
	if fc.LLM != nil {
		out.LLM.Providers = fc.LLM.Providers
		out.LLM.DefaultProvider = fc.LLM.DefaultProvider
		out.LLM.CacheCapacity = fc.LLM.CacheCapacity
		d, err := parseDuration(fc.LLM.Timeout)
		if err != nil {
			return out, fmt.Errorf("llm.timeout: %w", err)
		}
		out.LLM.Timeout = d
	}
	if fc.Retrieval != nil {
		out.Retrieval.Fanout = fc.Retrieval.Fanout
		out.Retrieval.CacheCapacity = fc.Retrieval.CacheCapacity
		out.Retrieval.WorkspaceRoot = fc.Retrieval.WorkspaceRoot
		out.Retrieval.PersistPath = fc.Retrieval.PersistPath
		out.Retrieval.Embedding = fc.Retrieval.Embedding
		d, err := parseDuration(fc.Retrieval.CacheTTL)
		if err != nil {
			return out, fmt.Errorf("retrieval.cache_ttl: %w", err)
		}
		out.Retrieval.CacheTTL = d
	}
	if fc.Events != nil {
		out.Events = *fc.Events
	}
	if fc.Orchestrator != nil {
		out.Orchestrator.Synthesis = SynthesisMode(fc.Orchestrator.Synthesis)
		out.Orchestrator.Greetings = fc.Orchestrator.Greetings
		d, err := parseDuration(fc.Orchestrator.LLMTimeout)
		if err != nil {
			return out, fmt.Errorf("orchestrator.llm_timeout: %w", err)
		}
		out.Orchestrator.LLMTimeout = d
	}
	if fc.Database != nil {
		out.Database.Enabled = fc.Database.Enabled
		out.Database.Host = fc.Database.Host
		out.Database.Port = fc.Database.Port
		out.Database.User = fc.Database.User
		out.Database.Database = fc.Database.Database
		out.Database.SSLMode = fc.Database.SSLMode
		out.Database.MaxOpenConns = fc.Database.MaxOpenConns
		out.Database.MaxIdleConns = fc.Database.MaxIdleConns
		if fc.Database.PasswordEnv != "" {
			out.Database.Password = os.Getenv(fc.Database.PasswordEnv)
		}
	}
	return out, nil
}

// parseDuration parses a duration string, treating "" as zero (unset).
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies the small set of environment overrides that are
// convenient in container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := os.Getenv("DATABASE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Database.Enabled = b
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
}

// promptsFile is the YAML shape of prompts.yaml.
type promptsFile struct {
	Prompts []models.PromptTemplate `yaml:"prompts"`
}

// loadPrompts reads user-provided prompt templates. A missing file is fine;
// the prompt registry carries built-in templates for every key it needs.
func loadPrompts(configDir string) ([]models.PromptTemplate, error) {
	path := filepath.Join(configDir, "prompts.yaml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var pf promptsFile
	if err := yaml.Unmarshal(expandEnv(raw), &pf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return pf.Prompts, nil
}
