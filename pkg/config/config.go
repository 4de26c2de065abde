// Package config loads framework configuration from YAML with
// environment fallbacks for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codethecodeman/cannolikit/internal/log"
	"github.com/codethecodeman/cannolikit/pkg/session"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the framework configuration
type Config struct {
	// Store Configuration
	Store StoreConfig `yaml:"store"`

	// Workers Configuration
	Workers WorkersConfig `yaml:"workers"`

	// Cleanup Configuration
	Cleanup CleanupConfig `yaml:"cleanup"`

	// Logging Configuration
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds structured logging configuration
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// LogConfig converts the logging section into logger options.
func (c LoggingConfig) LogConfig() log.Config {
	return log.Config{Level: c.Level, Service: c.Service}
}

// StoreConfig selects and configures the session store backend
type StoreConfig struct {
	Driver     string `yaml:"driver"` // memory, sqlite, redis
	SQLitePath string `yaml:"sqlite_path"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// WorkersConfig holds worker pool configuration
type WorkersConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// CleanupConfig holds expired-session cleanup configuration
type CleanupConfig struct {
	Interval Duration `yaml:"interval"`
	Disabled bool     `yaml:"disabled"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	// Load credentials from environment if not in config
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if cfg.Store.Redis.Password == "" {
		cfg.Store.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	return &cfg, nil
}

// Default returns a configuration suitable for tests and embedded use:
// in-memory store, four workers, hourly cleanup.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "cannolikit.db"
	}
	if c.Workers.MaxConcurrency == 0 {
		c.Workers.MaxConcurrency = 4
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = Duration(time.Hour)
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite driver")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Workers.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if !c.Cleanup.Disabled && c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}

// OpenBackend constructs the session store backend the configuration
// selects. Callers own the backend and must Close it.
func (c *Config) OpenBackend() (session.Backend, error) {
	switch c.Store.Driver {
	case "memory":
		return session.NewMemoryBackend(), nil
	case "sqlite":
		return session.NewSQLiteBackend(c.Store.SQLitePath)
	case "redis":
		return session.NewRedisBackend(session.RedisConfig{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
			Prefix:   c.Store.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}
