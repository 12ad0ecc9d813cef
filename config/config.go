// Package config defines the Tannus server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Tannus configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Runner   RunnerConfig   `json:"runner" yaml:"runner"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Watch    WatchConfig    `json:"watch" yaml:"watch"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"` // listen address, e.g., ":5000"
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig selects where plans, tasks and session state live.
type StorageConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // "file" or "sqlite"
	PlansDir string `json:"plans_dir" yaml:"plans_dir"`
	StateDir string `json:"state_dir" yaml:"state_dir"`
	DBPath   string `json:"db_path" yaml:"db_path"`
}

// CacheConfig controls the response cache and request throttle.
type CacheConfig struct {
	DefaultTTL           time.Duration `json:"default_ttl" yaml:"default_ttl"`
	PlanTTL              time.Duration `json:"plan_ttl" yaml:"plan_ttl"`
	StatusTTL            time.Duration `json:"status_ttl" yaml:"status_ttl"`
	CleanupInterval      time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	MaxRequestsPerMinute int           `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	RedisAddr            string        `json:"redis_addr,omitempty" yaml:"redis_addr"` // empty keeps the cache in process
}

// RunnerConfig controls indefinite agent sessions.
type RunnerConfig struct {
	Interval           time.Duration `json:"interval" yaml:"interval"`
	MaxRuntime         time.Duration `json:"max_runtime" yaml:"max_runtime"`
	CheckpointInterval time.Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	StallTimeout       time.Duration `json:"stall_timeout" yaml:"stall_timeout"`
	MonitorSchedule    string        `json:"monitor_schedule" yaml:"monitor_schedule"` // cron spec
	WorkspaceDir       string        `json:"workspace_dir" yaml:"workspace_dir"`
}

// ProviderConfig selects the LLM backend.
type ProviderConfig struct {
	Type        string        `json:"type" yaml:"type"` // "openai" or "mock"
	Model       string        `json:"model,omitempty" yaml:"model"`
	APIKey      string        `json:"-" yaml:"api_key"`
	BaseURL     string        `json:"base_url,omitempty" yaml:"base_url"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// AuthConfig controls optional dashboard authentication.
type AuthConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	JWTSecret         string `json:"-" yaml:"jwt_secret"`
	AdminUser         string `json:"admin_user" yaml:"admin_user"`
	AdminPasswordHash string `json:"-" yaml:"admin_password_hash"` // bcrypt hash
}

// WatchConfig controls re-importing plan markdown edited on disk.
type WatchConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   "file",
			PlansDir: "./data/plans",
			StateDir: "./data/state",
			DBPath:   "./data/tannus.db",
		},
		Cache: CacheConfig{
			DefaultTTL:           5 * time.Minute,
			PlanTTL:              time.Minute,
			StatusTTL:            10 * time.Second,
			CleanupInterval:      time.Minute,
			MaxRequestsPerMinute: 60,
		},
		Runner: RunnerConfig{
			Interval:           5 * time.Second,
			MaxRuntime:         24 * time.Hour,
			CheckpointInterval: 15 * time.Minute,
			StallTimeout:       30 * time.Minute,
			MonitorSchedule:    "@every 1m",
			WorkspaceDir:       "./data/workspace",
		},
		Provider: ProviderConfig{
			Type:        "mock",
			Model:       "gpt-4o",
			MaxAttempts: 2,
			Timeout:     2 * time.Minute,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Watch: WatchConfig{
			Debounce: 200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
// Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays TANNUS_* environment variables onto cfg.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TANNUS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TANNUS_OPENAI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("TANNUS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TANNUS_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Provider.Type {
	case "openai", "mock":
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if c.Cache.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("cache.max_requests_per_minute must be positive")
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be positive")
	}
	if c.Runner.Interval <= 0 {
		return fmt.Errorf("runner.interval must be positive")
	}
	if c.Auth.Enabled && c.Auth.AdminPasswordHash == "" {
		return fmt.Errorf("auth.admin_password_hash is required when auth is enabled")
	}
	return nil
}
