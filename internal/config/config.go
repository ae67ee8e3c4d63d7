// Package config loads goatleta settings from a config file, GOATLETA_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: db.path is GOATLETA_DB_PATH.
const EnvPrefix = "GOATLETA"

// DBConfig locates the queue store.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// BackendConfig describes the remote API.
type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig tunes the store and diagnostics.
type QueueConfig struct {
	MaxRetries          int `mapstructure:"max_retries"`
	DeadLetterThreshold int `mapstructure:"dead_letter_threshold"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	Debounce          time.Duration `mapstructure:"debounce"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	EscalationCeiling int           `mapstructure:"escalation_ceiling"`
	RateLimit         float64       `mapstructure:"rate_limit"`
}

// SessionConfig says where credentials and the active tenant come from.
// Token and Tenant, when set, take precedence over the files.
type SessionConfig struct {
	TokenFile  string `mapstructure:"token_file"`
	TenantFile string `mapstructure:"tenant_file"`
	Token      string `mapstructure:"token"`
	Tenant     string `mapstructure:"tenant"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DashboardConfig configures the observer HTTP server.
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ClassifierConfig configures failure classification enrichment.
type ClassifierConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// Config is the full configuration.
type Config struct {
	DB         DBConfig         `mapstructure:"db"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Session    SessionConfig    `mapstructure:"session"`
	Log        LogConfig        `mapstructure:"log"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
}

// Dir returns the per-user state directory, ~/.goatleta.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".goatleta"
	}
	return filepath.Join(home, ".goatleta")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		DB: DBConfig{Path: filepath.Join(dir, "queue.db")},
		Backend: BackendConfig{
			Timeout: 20 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:          25,
			DeadLetterThreshold: 10,
		},
		Sync: SyncConfig{
			Debounce:          750 * time.Millisecond,
			BackoffBase:       2 * time.Second,
			BackoffCap:        60 * time.Second,
			EscalationCeiling: 5,
		},
		Session: SessionConfig{
			TokenFile:  filepath.Join(dir, "session.json"),
			TenantFile: filepath.Join(dir, "tenant"),
		},
		Log: LogConfig{Level: "info"},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Classifier: ClassifierConfig{
			Model: "claude-3-5-haiku-latest",
		},
	}
}

// SetDefaults registers every key of Default with v, so that environment
// overrides apply to keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.api_key", d.Backend.APIKey)
	v.SetDefault("backend.timeout", d.Backend.Timeout)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.dead_letter_threshold", d.Queue.DeadLetterThreshold)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.backoff_base", d.Sync.BackoffBase)
	v.SetDefault("sync.backoff_cap", d.Sync.BackoffCap)
	v.SetDefault("sync.escalation_ceiling", d.Sync.EscalationCeiling)
	v.SetDefault("sync.rate_limit", d.Sync.RateLimit)
	v.SetDefault("session.token_file", d.Session.TokenFile)
	v.SetDefault("session.tenant_file", d.Session.TenantFile)
	v.SetDefault("session.token", d.Session.Token)
	v.SetDefault("session.tenant", d.Session.Tenant)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("classifier.enabled", d.Classifier.Enabled)
	v.SetDefault("classifier.model", d.Classifier.Model)
	v.SetDefault("classifier.api_key", d.Classifier.APIKey)
}

// NewViper returns a viper instance with defaults and environment overrides.
// If configFile is empty, goatleta.{yaml,toml,json} is looked up in
// ~/.goatleta and the working directory; a missing file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("goatleta")
	v.AddConfigPath(Dir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the queue cannot run with.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries cannot be negative (got %d)", c.Queue.MaxRetries)
	}
	if c.Queue.DeadLetterThreshold < 0 {
		return fmt.Errorf("queue.dead_letter_threshold cannot be negative (got %d)", c.Queue.DeadLetterThreshold)
	}
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive (got %s)", c.Sync.BackoffBase)
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_cap (%s) must not be below sync.backoff_base (%s)", c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	if c.Sync.RateLimit < 0 {
		return fmt.Errorf("sync.rate_limit cannot be negative (got %v)", c.Sync.RateLimit)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	if c.Classifier.Enabled && c.Classifier.APIKey == "" {
		return errors.New("classifier.api_key is required when classifier.enabled is set")
	}
	return nil
}
