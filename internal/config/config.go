// Package config loads the meal-chat configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mcp-meal-chat/internal/models"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Goals       models.Settings   `yaml:"goals"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Transport string `yaml:"transport"` // http only
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// ScoringConfig configures the LLM gateway used to estimate nutrition.
type ScoringConfig struct {
	ProxyURL            string  `yaml:"proxy_url"`
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`
	Timeout             string  `yaml:"timeout"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// PersistenceConfig points the reconciler at the persistence API. An empty
// BaseURL means the server's own /api routes.
type PersistenceConfig struct {
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// SessionsConfig bounds the live chat sessions of a server process.
type SessionsConfig struct {
	IdleTimeout string `yaml:"idle_timeout"`
	MaxSessions int    `yaml:"max_sessions"`
}

type LoggingConfig struct {
	Mode  string `yaml:"mode"` // dev, prod
	Level string `yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			Host:      "0.0.0.0",
			Port:      8011,
		},
		Storage: StorageConfig{
			DBPath: "/data/meal-log.db",
		},
		Scoring: ScoringConfig{
			ProxyURL:            "http://mcp-compose-http-proxy:9876",
			Model:               "anthropic/claude-3.5-sonnet",
			Timeout:             "60s",
			ConfidenceThreshold: 0.6,
		},
		Persistence: PersistenceConfig{
			Timeout:    "10s",
			MaxRetries: 3,
		},
		Sessions: SessionsConfig{
			IdleTimeout: "30m",
			MaxSessions: 1000,
		},
		Goals: models.Settings{
			DailyProteinGoal:  120,
			DailyCaloriesGoal: 2200,
		},
		Logging: LoggingConfig{
			Mode:  "dev",
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MCP_PROXY_URL"); v != "" {
		c.Scoring.ProxyURL = v
	}
	if v := os.Getenv("MCP_PROXY_API_KEY"); v != "" {
		c.Scoring.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		c.Scoring.Model = v
	}
	if v := os.Getenv("MEAL_LOG_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("MEAL_LOG_PERSISTENCE_URL"); v != "" {
		c.Persistence.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MEAL_LOG_CONFIDENCE_THRESHOLD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scoring.ConfidenceThreshold = f
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Transport != "http" {
		return fmt.Errorf("unsupported transport %q", c.Server.Transport)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if t := c.Scoring.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1], got %v", t)
	}
	if _, err := parseDuration(c.Scoring.Timeout); err != nil {
		return fmt.Errorf("invalid scoring timeout: %w", err)
	}
	if _, err := parseDuration(c.Persistence.Timeout); err != nil {
		return fmt.Errorf("invalid persistence timeout: %w", err)
	}
	if c.Persistence.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if _, err := parseDuration(c.Sessions.IdleTimeout); err != nil {
		return fmt.Errorf("invalid session idle timeout: %w", err)
	}
	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ScoringTimeout() time.Duration {
	d, _ := parseDuration(c.Scoring.Timeout)
	return d
}

func (c *Config) PersistenceTimeout() time.Duration {
	d, _ := parseDuration(c.Persistence.Timeout)
	return d
}

// SessionIdleTimeout is zero when idle sessions are never expired.
func (c *Config) SessionIdleTimeout() time.Duration {
	d, _ := parseDuration(c.Sessions.IdleTimeout)
	return d
}

// PersistenceURL resolves the persistence base URL, defaulting to this server.
func (c *Config) PersistenceURL() string {
	if c.Persistence.BaseURL != "" {
		return strings.TrimRight(c.Persistence.BaseURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
