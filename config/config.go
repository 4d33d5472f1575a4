// Package config loads the host process configuration from a YAML file with
// environment-variable expansion and sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Slack    SlackConfig    `yaml:"slack"`
	Sessions SessionsConfig `yaml:"sessions"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig selects and configures the conversational backend.
type BackendConfig struct {
	// Provider is "openai" or "anthropic".
	Provider string `yaml:"provider"`

	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// SessionsConfig bounds the in-memory session working set.
type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
}

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	MaxToolCycles  int           `yaml:"max_tool_cycles"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// StorageConfig configures durable session storage.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file when Driver is "sqlite".
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Values of the form ${VAR}
// are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration with all defaults applied and nothing
// loaded from disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "openai"
	}
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = "gpt-4o"
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 100
	}
	if cfg.Engine.MaxToolCycles == 0 {
		cfg.Engine.MaxToolCycles = 10
	}
	if cfg.Engine.FlushInterval == 0 {
		cfg.Engine.FlushInterval = 700 * time.Millisecond
	}
	if cfg.Engine.RetryAttempts == 0 {
		cfg.Engine.RetryAttempts = 3
	}
	if cfg.Engine.RetryBaseDelay == 0 {
		cfg.Engine.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports configuration combinations that cannot work.
func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown backend provider %q", c.Backend.Provider)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage driver sqlite requires a path")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
