// Package config loads the application configuration from a YAML file
// with environment variable overrides. Secrets live in env vars (or a
// local .env during development), never in the YAML file itself.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher.
type Config struct {
	Provider string         `yaml:"provider"` // "mailgoat" or "ses"
	MailGoat MailGoatConfig `yaml:"mailgoat"`
	SES      SESConfig      `yaml:"ses"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	State    StateConfig    `yaml:"state"`
	Log      LogConfig      `yaml:"log"`
}

// MailGoatConfig holds MailGoat API credentials and endpoint.
type MailGoatConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SESConfig holds AWS SES credentials and sender identity.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// DispatchConfig holds engine defaults; CLI flags take precedence.
type DispatchConfig struct {
	Concurrency   int `yaml:"concurrency"`
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
	RatePerSec    int `yaml:"rate_per_sec"`
}

// StateConfig selects the durable state backend.
type StateConfig struct {
	Backend     string `yaml:"backend"` // sqlite (default), postgres, redis
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file. An empty path yields
// the built-in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Defaults
	if cfg.Provider == "" {
		cfg.Provider = "mailgoat"
	}
	if cfg.MailGoat.BaseURL == "" {
		cfg.MailGoat.BaseURL = "https://api.mailgoat.ai/v1"
	}
	if cfg.MailGoat.TimeoutSeconds == 0 {
		cfg.MailGoat.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 10
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.BackoffBaseMs == 0 {
		cfg.Dispatch.BackoffBaseMs = 1000
	}
	if cfg.Dispatch.BackoffMaxMs == 0 {
		cfg.Dispatch.BackoffMaxMs = 30000
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "sqlite"
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "./mailgoat-state.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("MAILGOAT_API_KEY"); v != "" {
		cfg.MailGoat.APIKey = v
	}
	if v := os.Getenv("MAILGOAT_BASE_URL"); v != "" {
		cfg.MailGoat.BaseURL = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SES_FROM_EMAIL"); v != "" {
		cfg.SES.FromEmail = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.State.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.State.RedisAddr = v
	}
	if v := os.Getenv("STATE_DB_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Concurrency = n
		}
	}

	return cfg, nil
}
