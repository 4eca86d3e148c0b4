// Package config handles configuration loading and management for pmbot.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// Backend kinds understood by the executor factory.
const (
	KindOllama    = "ollama"
	KindAnthropic = "anthropic"
	KindBedrock   = "bedrock"
)

// State store drivers.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// Config holds all configuration for pmbot.
type Config struct {
	Orchestrator  OrchestratorConfig `mapstructure:"orchestrator"`
	Router        RouterConfig       `mapstructure:"router"`
	Backends      []BackendConfig    `mapstructure:"backends"`
	Ollama        OllamaConfig       `mapstructure:"ollama"`
	Anthropic     AnthropicConfig    `mapstructure:"anthropic"`
	AWS           AWSConfig          `mapstructure:"aws"`
	State         StateConfig        `mapstructure:"state"`
	Log           LogConfig          `mapstructure:"log"`
	TemplatesFile string             `mapstructure:"templates_file"`
}

// OrchestratorConfig holds scheduling settings.
type OrchestratorConfig struct {
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	RetryLimit   int           `mapstructure:"retry_limit"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// EffortUnit is the wall-clock time one unit of module effort is expected to take.
	EffortUnit time.Duration `mapstructure:"effort_unit"`
}

// BackoffConfig holds the retry schedule.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
}

// RouterConfig holds backend selection settings.
type RouterConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// BackendConfig describes one execution backend.
type BackendConfig struct {
	// ID is the name agents use in their preference lists.
	ID string `mapstructure:"id"`
	// Kind is ollama, anthropic, or bedrock.
	Kind string `mapstructure:"kind"`
	// Locality is local or cloud. Empty derives it from Kind.
	Locality string `mapstructure:"locality"`
	// Model is the provider-side model name. Empty uses ID.
	Model string `mapstructure:"model"`
	// MaxLoad caps concurrent calls. Zero means unlimited.
	MaxLoad int `mapstructure:"max_load"`
	// APIKey overrides the Anthropic key for this backend. May be ${ENV}.
	APIKey string `mapstructure:"api_key"`
}

// LocalityOrDefault returns the configured locality, or the one implied by Kind.
func (b BackendConfig) LocalityOrDefault() models.Locality {
	if b.Locality != "" {
		return models.Locality(b.Locality)
	}
	if b.Kind == KindOllama {
		return models.LocalityLocal
	}
	return models.LocalityCloud
}

// ModelOrID returns the provider model name.
func (b BackendConfig) ModelOrID() string {
	if b.Model != "" {
		return b.Model
	}
	return b.ID
}

// OllamaConfig holds local model server settings.
type OllamaConfig struct {
	Host string `mapstructure:"host"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// AWSConfig holds Bedrock credential settings.
type AWSConfig struct {
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// StateConfig holds the project store location.
type StateConfig struct {
	Dir    string `mapstructure:"dir"`
	Driver string `mapstructure:"driver"`
}

// DBPath returns the database file inside Dir.
func (s StateConfig) DBPath() string {
	return filepath.Join(s.Dir, "pmbot.db")
}

// SignalsDir returns the directory control signals are written to.
func (s StateConfig) SignalsDir() string {
	return filepath.Join(s.Dir, "signals")
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, OLLAMA_HOST, PMBOT_*)
// 2. Project config (.pmbot.yaml in current directory or parent)
// 3. User config (~/.config/pmbot/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PMBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("ollama.host", "OLLAMA_HOST", "PMBOT_OLLAMA_HOST")
	_ = v.BindEnv("state.dir", "PMBOT_STATE_DIR")
	_ = v.BindEnv("log.level", "PMBOT_LOG_LEVEL")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.State.Dir = expandPath(cfg.State.Dir)
	cfg.Log.File = expandPath(cfg.Log.File)
	cfg.TemplatesFile = expandPath(cfg.TemplatesFile)

	if len(cfg.Backends) == 0 {
		cfg.Backends = DefaultBackends()
	}
	return cfg, nil
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxInFlight < 1 {
		return fmt.Errorf("orchestrator.max_in_flight must be >= 1, got %d", c.Orchestrator.MaxInFlight)
	}
	if c.Orchestrator.RetryLimit < 1 {
		return fmt.Errorf("orchestrator.retry_limit must be >= 1, got %d", c.Orchestrator.RetryLimit)
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		return fmt.Errorf("orchestrator.task_timeout must be positive")
	}
	if c.Orchestrator.Backoff.Multiplier < 1 {
		return fmt.Errorf("orchestrator.backoff.multiplier must be >= 1, got %v", c.Orchestrator.Backoff.Multiplier)
	}
	if c.Router.Cooldown < 0 {
		return fmt.Errorf("router.cooldown must not be negative")
	}

	switch c.State.Driver {
	case DriverModernc, DriverCgo:
	default:
		return fmt.Errorf("state.driver must be %q or %q, got %q", DriverModernc, DriverCgo, c.State.Driver)
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d]: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = true

		switch b.Kind {
		case KindOllama, KindAnthropic, KindBedrock:
		default:
			return fmt.Errorf("backend %s: unknown kind %q", b.ID, b.Kind)
		}
		if !b.LocalityOrDefault().Valid() {
			return fmt.Errorf("backend %s: unknown locality %q", b.ID, b.Locality)
		}
		if b.MaxLoad < 0 {
			return fmt.Errorf("backend %s: max_load must not be negative", b.ID)
		}
	}
	return nil
}

// RunSettings converts the orchestrator section into the settings recorded on a project.
func (c *Config) RunSettings() models.RunSettings {
	return models.RunSettings{
		MaxInFlight:       c.Orchestrator.MaxInFlight,
		TaskTimeout:       c.Orchestrator.TaskTimeout,
		RetryLimit:        c.Orchestrator.RetryLimit,
		BackoffInitial:    c.Orchestrator.Backoff.Initial,
		BackoffMultiplier: c.Orchestrator.Backoff.Multiplier,
		BackoffMax:        c.Orchestrator.Backoff.Max,
	}
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes cfg to path.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("orchestrator.max_in_flight", cfg.Orchestrator.MaxInFlight)
	v.Set("orchestrator.task_timeout", cfg.Orchestrator.TaskTimeout.String())
	v.Set("orchestrator.retry_limit", cfg.Orchestrator.RetryLimit)
	v.Set("orchestrator.backoff.initial", cfg.Orchestrator.Backoff.Initial.String())
	v.Set("orchestrator.backoff.multiplier", cfg.Orchestrator.Backoff.Multiplier)
	v.Set("orchestrator.backoff.max", cfg.Orchestrator.Backoff.Max.String())
	v.Set("orchestrator.poll_interval", cfg.Orchestrator.PollInterval.String())
	v.Set("orchestrator.effort_unit", cfg.Orchestrator.EffortUnit.String())
	v.Set("router.cooldown", cfg.Router.Cooldown.String())
	v.Set("router.attempt_timeout", cfg.Router.AttemptTimeout.String())
	v.Set("ollama.host", cfg.Ollama.Host)
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.base_url", cfg.Anthropic.BaseURL)
	v.Set("aws.region", cfg.AWS.Region)
	v.Set("aws.profile", cfg.AWS.Profile)
	v.Set("state.dir", cfg.State.Dir)
	v.Set("state.driver", cfg.State.Driver)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("log.file", cfg.Log.File)
	v.Set("templates_file", cfg.TemplatesFile)

	backends := make([]map[string]any, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		entry := map[string]any{
			"id":       b.ID,
			"kind":     b.Kind,
			"locality": b.Locality,
			"model":    b.Model,
			"max_load": b.MaxLoad,
		}
		if b.APIKey != "" {
			entry["api_key"] = b.APIKey
		}
		backends = append(backends, entry)
	}
	v.Set("backends", backends)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.max_in_flight", 4)
	v.SetDefault("orchestrator.task_timeout", "10m")
	v.SetDefault("orchestrator.retry_limit", 3)
	v.SetDefault("orchestrator.backoff.initial", "2s")
	v.SetDefault("orchestrator.backoff.multiplier", 2.0)
	v.SetDefault("orchestrator.backoff.max", "1m")
	v.SetDefault("orchestrator.poll_interval", "500ms")
	v.SetDefault("orchestrator.effort_unit", "1h")

	v.SetDefault("router.cooldown", "30s")
	v.SetDefault("router.attempt_timeout", "5m")

	v.SetDefault("ollama.host", "http://localhost:11434")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("state.dir", defaultStateDir())
	v.SetDefault("state.driver", DriverModernc)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("templates_file", "")
}

// DefaultBackends returns the local models plus the Claude cloud backend.
func DefaultBackends() []BackendConfig {
	return []BackendConfig{
		{ID: "deepseek-r1:14b", Kind: KindOllama, MaxLoad: 1},
		{ID: "deepseek-r1:7b", Kind: KindOllama, MaxLoad: 2},
		{ID: "qwen2.5-coder:7b", Kind: KindOllama, MaxLoad: 2},
		{ID: "claude-sonnet", Kind: KindAnthropic, Model: "claude-sonnet-4-20250514", MaxLoad: 4},
	}
}

// getUserConfigDir returns the XDG config directory for pmbot.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pmbot")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "pmbot")
	}
	return filepath.Join(home, ".config", "pmbot")
}

// defaultStateDir returns the XDG data directory for pmbot.
func defaultStateDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "pmbot")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pmbot")
	}
	return filepath.Join(home, ".local", "share", "pmbot")
}

// findProjectConfig searches for .pmbot.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".pmbot.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandPath expands env references and a leading ~/.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxInFlight: 4,
			TaskTimeout: 10 * time.Minute,
			RetryLimit:  3,
			Backoff: BackoffConfig{
				Initial:    2 * time.Second,
				Multiplier: 2.0,
				Max:        time.Minute,
			},
			PollInterval: 500 * time.Millisecond,
			EffortUnit:   time.Hour,
		},
		Router: RouterConfig{
			Cooldown:       30 * time.Second,
			AttemptTimeout: 5 * time.Minute,
		},
		Backends: DefaultBackends(),
		Ollama:   OllamaConfig{Host: "http://localhost:11434"},
		State: StateConfig{
			Dir:    defaultStateDir(),
			Driver: DriverModernc,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
