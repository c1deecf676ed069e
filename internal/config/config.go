// Package config loads server configuration from defaults, an optional
// YAML file, a .env file, and environment variables, in increasing
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	BaseURL    string `yaml:"base_url"` // external endpoint base; derived from host/port when empty
	StorageDir string `yaml:"storage_dir"`

	// DatabaseURL switches persistence to Postgres when set.
	DatabaseURL string `yaml:"database_url"`

	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	TokenTTL time.Duration `yaml:"token_ttl"`

	SweepSchedule    string        `yaml:"sweep_schedule"`
	SessionRetention time.Duration `yaml:"session_retention"`
	TokenGrace       time.Duration `yaml:"token_grace"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:             "localhost",
		Port:             8000,
		StorageDir:       "storage",
		Model:            "groq/llama-3.3-70b-versatile",
		Temperature:      0.1,
		MaxTokens:        4096,
		TokenTTL:         24 * time.Hour,
		SweepSchedule:    "@hourly",
		SessionRetention: 30 * 24 * time.Hour,
		TokenGrace:       7 * 24 * time.Hour,
		LogLevel:         "info",
	}
}

// Load builds the configuration. A missing .env file is not an error; a
// missing YAML file is an error only when a path was given explicitly.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTDECK_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AGENTDECK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("AGENTDECK_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("AGENTDECK_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("AGENTDECK_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AGENTDECK_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AGENTDECK_TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = t
		}
	}
	if v := os.Getenv("AGENTDECK_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTokens = n
		}
	}
	if v := os.Getenv("AGENTDECK_TOKEN_TTL_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			cfg.TokenTTL = time.Duration(h) * time.Hour
		}
	}
	if v := os.Getenv("AGENTDECK_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("AGENTDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
