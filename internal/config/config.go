// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Backend     BackendConfig
	Health      HealthConfig
}

// BackendConfig points the gateway at the multi-agent inference backend and
// the image-generation service, with the wall-clock budgets for each path.
type BackendConfig struct {
	BaseURL     string
	ImageGenURL string

	// StreamTimeout bounds one streaming chat exchange. Multi-agent routing
	// plus tool use can legitimately take a while, hence the generous budget.
	StreamTimeout time.Duration

	// ChatTimeout bounds the simpler non-streaming fallback path.
	ChatTimeout time.Duration

	// ImageTimeout bounds a full image generation run (CPU mode is slow).
	ImageTimeout time.Duration

	// RetryAttempts and RetryBackoff govern the non-streaming retry helper.
	// The streaming path never auto-retries.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// HealthConfig controls the background backend health probe.
type HealthConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/parakleon.db"),
		Backend: BackendConfig{
			BaseURL:       getEnv("BACKEND_URL", "http://localhost:8010"),
			ImageGenURL:   getEnv("IMAGE_GEN_URL", "http://localhost:8010"),
			StreamTimeout: getEnvDuration("STREAM_TIMEOUT", 120*time.Second),
			ChatTimeout:   getEnvDuration("CHAT_TIMEOUT", 30*time.Second),
			ImageTimeout:  getEnvDuration("IMAGE_TIMEOUT", 240*time.Second),
			RetryAttempts: getEnvInt("CHAT_RETRY_ATTEMPTS", 1),
			RetryBackoff:  getEnvDuration("CHAT_RETRY_BACKOFF", 3*time.Second),
		},
		Health: HealthConfig{
			ProbeInterval: getEnvDuration("HEALTH_PROBE_INTERVAL", 5*time.Minute),
			ProbeTimeout:  getEnvDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.Backend.StreamTimeout <= 0 {
		return fmt.Errorf("STREAM_TIMEOUT must be > 0")
	}
	if c.Backend.ChatTimeout <= 0 {
		return fmt.Errorf("CHAT_TIMEOUT must be > 0")
	}
	if c.Backend.ImageTimeout <= 0 {
		return fmt.Errorf("IMAGE_TIMEOUT must be > 0")
	}
	if c.Backend.RetryAttempts < 0 {
		return fmt.Errorf("CHAT_RETRY_ATTEMPTS cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
