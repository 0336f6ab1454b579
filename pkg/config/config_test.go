package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "agents: []\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 1000, cfg.Bus.HistorySize)
	assert.Equal(t, "memory", cfg.Store.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
http_port: 9090
store:
  backend: sqlite
  path: state.db
scheduler:
  max_concurrent: 3
agents:
  - id: market
    role: market_data
    heartbeat: 30s
    settings:
      region: us
  - id: echo
    role: echo
    enabled: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)

	require.Len(t, cfg.Agents, 2)
	assert.True(t, cfg.Agents[0].IsEnabled())
	assert.Equal(t, "us", cfg.Agents[0].GetString("region", ""))
	assert.Equal(t, "30s", cfg.Agents[0].Heartbeat)
	assert.False(t, cfg.Agents[1].IsEnabled())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := writeConfig(t, "agents: [unclosed")
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	large := writeConfig(t, strings.Repeat("x: y\n", 300000))
	_, err = LoadConfig(large)
	assert.ErrorContains(t, err, "too large")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"sqlite needs path", func(c *Config) { c.Store.Backend = "sqlite" }, "store.path"},
		{"redis needs addr", func(c *Config) { c.Store.Backend = "redis" }, "store.redis.addr"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"port out of range", func(c *Config) { c.HTTPPort = 99999 }, "out of range"},
		{"agent without id", func(c *Config) {
			c.Agents = append(c.Agents, agent.Def{Role: "echo"})
		}, "has no id"},
		{"agent without role", func(c *Config) {
			c.Agents = append(c.Agents, agent.Def{ID: "a"})
		}, "has no role"},
		{"duplicate agent ids", func(c *Config) {
			c.Agents = append(c.Agents,
				agent.Def{ID: "a", Role: "echo"},
				agent.Def{ID: "a", Role: "echo"})
		}, "duplicate agent id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.Agents = []agent.Def{{ID: "echo", Role: "echo"}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", loaded.LogLevel)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "echo", loaded.Agents[0].ID)
}
