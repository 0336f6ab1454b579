// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/scheduler"
	"github.com/flowgrid-dev/flowgrid/internal/state"
)

// Config represents the application configuration
type Config struct {
	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	// HTTP server for health and metrics endpoints
	HTTPPort int `yaml:"http_port"`

	// Message bus
	Bus BusConfig `yaml:"bus"`

	// Workflow state persistence
	Store StoreConfig `yaml:"store"`

	// Workflow scheduler
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Agents to create at startup
	Agents []agent.Def `yaml:"agents"`

	// WorkflowsFile points at the YAML workflow definitions
	WorkflowsFile string `yaml:"workflows_file"`
}

// BusConfig holds message bus settings
type BusConfig struct {
	HistorySize int `yaml:"history_size"`
}

// StoreConfig selects and configures the state store backend
type StoreConfig struct {
	Backend string            `yaml:"backend"` // memory, sqlite, redis
	Path    string            `yaml:"path"`    // sqlite database file
	Redis   state.RedisConfig `yaml:"redis"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > 1<<20 {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// agents or workflows, suitable for embedding and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = getenvDefault("FLOWGRID_LOG_LEVEL", "info")
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = getenvInt("FLOWGRID_HTTP_PORT", 8080)
	}
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = 1000
	}
	if c.Store.Backend == "" {
		c.Store.Backend = getenvDefault("FLOWGRID_STORE_BACKEND", "memory")
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = os.Getenv("FLOWGRID_REDIS_ADDR")
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
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, def := range c.Agents {
		if def.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if seen[def.ID] {
			return fmt.Errorf("duplicate agent id %q", def.ID)
		}
		seen[def.ID] = true
		if def.Role == "" {
			return fmt.Errorf("agent %q has no role", def.ID)
		}
	}

	return nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
