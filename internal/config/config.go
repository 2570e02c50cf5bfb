// Package config loads the orchestration core's configuration from a YAML
// file with environment-variable fallbacks, and carries per-request
// environment overrides as immutable snapshots.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/haasonsaas/cua/internal/computer"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized by the core. A request's env field
// overrides these per call without touching the process environment.
const (
	EnvModelName     = "CUA_MODEL_NAME"
	EnvContainerName = "CUA_CONTAINER_NAME"
	EnvAPIKey        = "CUA_API_KEY"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Session  SessionConfig  `yaml:"session"`
	Agent    AgentConfig    `yaml:"agent"`
	Computer computer.Spec  `yaml:"computer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the proxy surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Mode selects the transports to serve: "http", "p2p" or "both".
	Mode string `yaml:"mode"`

	// PeerID names this peer on the WebRTC signaling surface.
	PeerID string `yaml:"peer_id"`

	// APIKey, when set, is required in the X-API-Key header.
	APIKey string `yaml:"api_key"`
}

// PoolConfig configures the computer-handle pool.
type PoolConfig struct {
	// Size caps concurrently open computers.
	Size int `yaml:"size"`

	// AcquireTimeout bounds how long a session waits for a handle before
	// the acquire fails with pool exhaustion.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// IdleTimeout evicts sessions with no active task for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds the graceful-shutdown wait for active tasks.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentConfig holds run defaults applied when a request leaves them unset.
type AgentConfig struct {
	// Model is the default model string.
	Model string `yaml:"model"`

	// MaxSteps caps model turns per run.
	MaxSteps int `yaml:"max_steps"`

	// MaxTrajectoryBudget, in USD, stops a run cleanly when exceeded.
	// Zero disables the cap.
	MaxTrajectoryBudget float64 `yaml:"max_trajectory_budget"`

	// ImageRetentionWindow keeps at most this many screenshots expanded in
	// the conversation sent to the model.
	ImageRetentionWindow int `yaml:"image_retention_window"`

	// TrajectoryDir is where trajectories are saved when a request asks
	// for them.
	TrajectoryDir string `yaml:"trajectory_dir"`

	// TurnTimeout bounds one LLM round-trip.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ActionTimeout bounds one computer action.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// RunTimeout bounds a whole run.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Mode: "http",
		},
		Pool: PoolConfig{
			Size:           5,
			AcquireTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:     300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			MaxSteps:             100,
			ImageRetentionWindow: 3,
			TurnTimeout:          120 * time.Second,
			ActionTimeout:        30 * time.Second,
			RunTimeout:           30 * time.Minute,
		},
		Computer: computer.Spec{
			OSType:       computer.OSLinux,
			ProviderType: "fake",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// fallbacks. A missing path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvModelName); v != "" && c.Agent.Model == "" {
		c.Agent.Model = v
	}
	if v := os.Getenv(EnvContainerName); v != "" && c.Computer.Name == "" {
		c.Computer.Name = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" && c.Server.APIKey == "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("CUA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.Size = n
		}
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "http", "p2p", "both":
	default:
		return fmt.Errorf("config: invalid server mode %q (want http, p2p or both)", c.Server.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("config: pool size must be positive, got %d", c.Pool.Size)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive, got %d", c.Agent.MaxSteps)
	}
	return nil
}
