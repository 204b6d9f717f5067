// Package config loads and validates the daemon's single YAML
// configuration file, performing ${VAR}/${VAR:-default} environment
// substitution before parse and re-loading on change.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/gobby-dev/gobbyd/internal/webhook"
)

// WebhooksConfig is the hook_extensions.webhooks block.
type WebhooksConfig struct {
	Enabled        bool                     `mapstructure:"enabled"`
	Endpoints      []webhook.EndpointConfig `mapstructure:"endpoints"`
	DefaultTimeout int                      `mapstructure:"default_timeout" validate:"gte=1,lte=60"`
	AsyncDispatch  bool                     `mapstructure:"async_dispatch"`
}

// PluginsConfig is the hook_extensions.plugins block.
type PluginsConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	PluginDirs   []string `mapstructure:"plugin_dirs"`
	AutoDiscover bool     `mapstructure:"auto_discover"`
}

// HookExtensionsConfig groups the optional pipeline extension points.
type HookExtensionsConfig struct {
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
}

// WebSocketConfig controls the Broadcaster's exposure over the HTTP API.
type WebSocketConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Port            int      `mapstructure:"port" validate:"omitempty,gte=1,lte=65535"`
	BroadcastEvents []string `mapstructure:"broadcast_events"`
}

// SessionLifecycleConfig tunes the background session-maintenance sweeps.
type SessionLifecycleConfig struct {
	ActiveSessionPauseMinutes           int `mapstructure:"active_session_pause_minutes" validate:"gte=1"`
	StaleSessionTimeoutHours            int `mapstructure:"stale_session_timeout_hours" validate:"gte=1"`
	ExpireCheckIntervalMinutes          int `mapstructure:"expire_check_interval_minutes" validate:"gte=1"`
	TranscriptProcessingIntervalMinutes int `mapstructure:"transcript_processing_interval_minutes" validate:"gte=1"`
	TranscriptProcessingBatchSize       int `mapstructure:"transcript_processing_batch_size" validate:"gte=1"`
}

// TaskFeaturesConfig controls the optional gobby_tasks helpers.
type TaskFeaturesConfig struct {
	Expansion  bool `mapstructure:"expansion"`
	Validation bool `mapstructure:"validation"`
}

// LLMProviderConfig describes one configured model provider.
type LLMProviderConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	Default bool   `mapstructure:"default"`
}

// MemoryConfig tunes the Memory/Skill Registry.
type MemoryConfig struct {
	DebounceWindowSeconds int     `mapstructure:"debounce_window_seconds" validate:"gte=0"`
	DecayRatePerMonth     float64 `mapstructure:"decay_rate_per_month" validate:"gte=0,lte=1"`
	MinimumImportance     float64 `mapstructure:"minimum_importance" validate:"gte=0,lte=1"`
}

// Config is the full validated configuration surface the core consumes.
type Config struct {
	DaemonPort                int    `mapstructure:"daemon_port" validate:"required,gte=1,lte=65535"`
	DaemonHealthCheckInterval int    `mapstructure:"daemon_health_check_interval" validate:"gte=1"`
	DatabasePath              string `mapstructure:"database_path" validate:"required"`
	LogLevel                  string `mapstructure:"log_level"`

	WebSocket        WebSocketConfig        `mapstructure:"websocket"`
	LLMProviders     []LLMProviderConfig    `mapstructure:"llm_providers"`
	Memory           MemoryConfig           `mapstructure:"memory"`
	HookExtensions   HookExtensionsConfig   `mapstructure:"hook_extensions"`
	SessionLifecycle SessionLifecycleConfig `mapstructure:"session_lifecycle"`
	GobbyTasks       TaskFeaturesConfig     `mapstructure:"gobby_tasks"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv resolves ${VAR} and ${VAR:-default} references in raw YAML
// text before it reaches the parser. A ${VAR} with no default and no
// matching environment variable is left exactly as written, per the
// fixed substitution policy.
func expandEnv(raw string) string {
	return envRef.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envRef.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Load reads, substitutes, and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	applyDefaults(v)

	if err := v.ReadConfig(strings.NewReader(expandEnv(string(raw)))); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("daemon_port", 8787)
	v.SetDefault("daemon_health_check_interval", 30)
	v.SetDefault("database_path", "~/.gobby/gobby.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.port", 8788)
	v.SetDefault("memory.debounce_window_seconds", 60)
	v.SetDefault("memory.decay_rate_per_month", 0.05)
	v.SetDefault("memory.minimum_importance", 0.05)
	v.SetDefault("hook_extensions.webhooks.default_timeout", 10)
	v.SetDefault("session_lifecycle.active_session_pause_minutes", 30)
	v.SetDefault("session_lifecycle.stale_session_timeout_hours", 24)
	v.SetDefault("session_lifecycle.expire_check_interval_minutes", 15)
	v.SetDefault("session_lifecycle.transcript_processing_interval_minutes", 5)
	v.SetDefault("session_lifecycle.transcript_processing_batch_size", 20)
}

// DefaultConfigPath returns ~/.gobby/config.yaml, falling back to a
// relative path if the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gobby-config.yaml"
	}
	return home + "/.gobby/config.yaml"
}
