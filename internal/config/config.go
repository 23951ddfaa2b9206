package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the gateway and the CLI client.
type Config struct {
	// HTTP server
	ListenAddr string `yaml:"listen_addr"`

	// External tracker credentials
	TrackerURL     string        `yaml:"tracker_url"`
	TrackerEmail   string        `yaml:"tracker_email"`
	TrackerToken   string        `yaml:"tracker_token"`
	TrackerTimeout time.Duration `yaml:"tracker_timeout"`

	// Engine
	MaxConcurrent int64         `yaml:"max_concurrent"`
	Retention     time.Duration `yaml:"retention"`
	SprintWindow  int           `yaml:"sprint_window"`

	// Client controller
	PollInterval  time.Duration `yaml:"poll_interval"`
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// Metrics. MetricsAddr moves the scrape endpoint to its own listener;
	// empty serves /metrics on the API port.
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MetricsAddr      string `yaml:"metrics_addr"`
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// LoadFromEnv builds the configuration from SPRINTLENS_* environment
// variables, with an optional YAML file (SPRINTLENS_CONFIG_PATH) applied
// first so env vars win.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:       ":8080",
		TrackerTimeout:   30 * time.Second,
		MaxConcurrent:    64,
		Retention:        15 * time.Minute,
		SprintWindow:     15,
		PollInterval:     2 * time.Second,
		ClientTimeout:    5 * time.Minute,
		MetricsEnabled:   true,
		MetricsNamespace: "sprintlens",
	}

	if path := os.Getenv("SPRINTLENS_CONFIG_PATH"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getEnv("SPRINTLENS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.TrackerURL = getEnv("SPRINTLENS_TRACKER_URL", cfg.TrackerURL)
	cfg.TrackerEmail = getEnv("SPRINTLENS_TRACKER_EMAIL", cfg.TrackerEmail)
	cfg.TrackerToken = getEnv("SPRINTLENS_TRACKER_TOKEN", cfg.TrackerToken)
	cfg.TrackerTimeout = getEnvDuration("SPRINTLENS_TRACKER_TIMEOUT", cfg.TrackerTimeout)
	cfg.MaxConcurrent = int64(getEnvInt("SPRINTLENS_MAX_CONCURRENT", int(cfg.MaxConcurrent)))
	cfg.Retention = getEnvDuration("SPRINTLENS_RETENTION", cfg.Retention)
	cfg.SprintWindow = getEnvInt("SPRINTLENS_SPRINT_WINDOW", cfg.SprintWindow)
	cfg.PollInterval = getEnvDuration("SPRINTLENS_POLL_INTERVAL", cfg.PollInterval)
	cfg.ClientTimeout = getEnvDuration("SPRINTLENS_CLIENT_TIMEOUT", cfg.ClientTimeout)
	cfg.MetricsEnabled = getEnvBool("SPRINTLENS_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = getEnv("SPRINTLENS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.MetricsNamespace = getEnv("SPRINTLENS_METRICS_NAMESPACE", cfg.MetricsNamespace)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.TrackerURL == "" {
		return fmt.Errorf("SPRINTLENS_TRACKER_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ClientTimeout <= 0 {
		return fmt.Errorf("client timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
