package flowgrid

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/flowgrid-dev/flowgrid/agents"
	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/orchestrator"
	"github.com/flowgrid-dev/flowgrid/internal/state"
	"github.com/flowgrid-dev/flowgrid/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTPPort = 0 // no listener in tests
	cfg.Agents = []agent.Def{
		{ID: "echo", Role: "echo"},
		{ID: "market", Role: "market_data"},
	}
	return cfg
}

func startSystem(t *testing.T, cfg *config.Config) *System {
	t.Helper()
	sys, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sys.Start(context.Background()))
	t.Cleanup(func() { _ = sys.Stop(context.Background()) })
	return sys
}

func TestSystem_ExecuteWorkflow(t *testing.T) {
	sys := startSystem(t, testConfig())
	ctx := context.Background()

	wf := orchestrator.Workflow{
		Name:    "echo-chain",
		Enabled: true,
		Steps: []orchestrator.Step{
			{
				Name:       "first",
				AgentID:    "echo",
				Capability: "echo",
				Params:     map[string]any{"greeting": "{{params.greeting}}"},
			},
			{
				Name:       "second",
				AgentID:    "echo",
				Capability: "echo",
				Params:     map[string]any{"relayed": "{{steps.first.greeting}}"},
			},
		},
	}

	exec, err := sys.Orchestrator.Execute(ctx, wf, map[string]any{"greeting": "hello"})
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, exec.Status)

	second, ok := exec.Result["second"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", second["relayed"], "step output threads through")

	steps, err := sys.Store.GetStepExecutions(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestSystem_ScheduledQueueCreatesSingleRecord(t *testing.T) {
	sys := startSystem(t, testConfig())
	ctx := context.Background()

	wf := orchestrator.Workflow{
		Name:    "price-check",
		Enabled: true,
		Steps: []orchestrator.Step{
			{
				Name:       "price",
				AgentID:    "market",
				Capability: "fetch_price",
				Params:     map[string]any{"symbol": "GLD"},
			},
		},
	}
	require.NoError(t, sys.Scheduler.RegisterWorkflow(wf))

	execID, err := sys.Scheduler.QueueWorkflow(ctx, "price-check", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := sys.Store.GetExecution(ctx, execID)
		return err == nil && e.Status == state.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The scheduler's pre-created record is the one the orchestrator
	// completed. No second record appears.
	history, err := sys.Store.GetHistory(ctx, "price-check", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execID, history[0].ID)

	price, ok := history[0].Result["price"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "GLD", price["symbol"])
}

func TestSystem_LoadsWorkflowsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflows:
  - name: enabled-wf
    enabled: true
    steps:
      - {name: s, agent: echo, capability: echo}
  - name: disabled-wf
    enabled: false
    steps:
      - {name: s, agent: echo, capability: echo}
`), 0600))

	cfg := testConfig()
	cfg.WorkflowsFile = path

	sys, err := New(cfg)
	require.NoError(t, err)
	defer sys.Store.Close()

	wfs := sys.Scheduler.Workflows()
	require.Len(t, wfs, 1, "disabled workflows are not registered")
	assert.Equal(t, "enabled-wf", wfs[0].Name)
}

func TestSystem_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "bogus"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid configuration")

	cfg = testConfig()
	cfg.Agents = append(cfg.Agents, agent.Def{ID: "x", Role: "no-such-role"})
	_, err = New(cfg)
	assert.ErrorContains(t, err, "unknown agent role")
}

func TestSystem_SQLiteBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.db")

	sys := startSystem(t, cfg)

	wf := orchestrator.Workflow{
		Name:    "echo-once",
		Enabled: true,
		Steps:   []orchestrator.Step{{Name: "s", AgentID: "echo", Capability: "echo"}},
	}
	exec, err := sys.Orchestrator.Execute(context.Background(), wf, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, exec.Status)

	stats, err := sys.Store.GetStatistics(context.Background(), "echo-once")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 100.0, stats.SuccessRate)
}
