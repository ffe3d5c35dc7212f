// Package config loads and validates the relay configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for relay.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
	Limits   LimitsConfig   `yaml:"limits"`
	Approval ApprovalConfig `yaml:"approval"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// AgentConfig selects and configures the agent backend.
type AgentConfig struct {
	// Backend is "subprocess" or "sdk".
	Backend string `yaml:"backend"`
	// Command is the agent CLI binary for the subprocess backend.
	Command string `yaml:"command"`
	// APIKey is the Anthropic API key for the sdk backend.
	APIKey string `yaml:"api_key"`
	// Model overrides the backend's default model.
	Model string `yaml:"model"`
	// MaxTurns bounds the agent's internal tool-use loop.
	MaxTurns int `yaml:"max_turns"`
	// PermissionMode is "default", "accept_edits", or "bypass".
	PermissionMode string `yaml:"permission_mode"`
}

type LimitsConfig struct {
	// MaxConcurrentRunners is the global ceiling on simultaneous agent runs.
	MaxConcurrentRunners int `yaml:"max_concurrent_runners"`
	// RateWindow is the trailing admission window per device.
	RateWindow time.Duration `yaml:"rate_window"`
	// RateMax is the maximum chat requests per device within RateWindow.
	RateMax int `yaml:"rate_max"`
	// HistoryLimit is the number of prior messages loaded per run.
	HistoryLimit int `yaml:"history_limit"`
	// MaxSelectedFileBytes is the per-file ceiling for selected file context.
	MaxSelectedFileBytes int64 `yaml:"max_selected_file_bytes"`
}

type ApprovalConfig struct {
	// Timeout is how long a pending tool approval waits for a human answer.
	Timeout time.Duration `yaml:"timeout"`
	// ReadOnlyTools are auto-approved without entering the pending set.
	// Supports the same patterns as the gate's allow-list matching.
	ReadOnlyTools []string `yaml:"read_only_tools"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8420,
			MetricsPort: 9420,
		},
		Auth: AuthConfig{
			TokenExpiry: 30 * 24 * time.Hour,
		},
		Agent: AgentConfig{
			Backend:        "subprocess",
			Command:        "claude",
			MaxTurns:       16,
			PermissionMode: "default",
		},
		Limits: LimitsConfig{
			MaxConcurrentRunners: 3,
			RateWindow:           time.Minute,
			RateMax:              10,
			HistoryLimit:         50,
			MaxSelectedFileBytes: 64 * 1024,
		},
		Approval: ApprovalConfig{
			Timeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: "relay.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and validates the result. A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = v
	}
}

// Validate checks the configuration for invalid or missing values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Agent.Backend {
	case "subprocess":
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required for the subprocess backend")
		}
	case "sdk":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent.api_key is required for the sdk backend")
		}
	default:
		return fmt.Errorf("unknown agent backend %q", c.Agent.Backend)
	}
	if c.Limits.MaxConcurrentRunners <= 0 {
		return fmt.Errorf("limits.max_concurrent_runners must be positive")
	}
	if c.Limits.RateMax <= 0 || c.Limits.RateWindow <= 0 {
		return fmt.Errorf("rate limit window and cap must be positive")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	return nil
}
