package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid-dev/flowgrid/internal/orchestrator"
)

const sampleFile = `
workflows:
  - name: market-analysis
    description: Daily gold analysis
    enabled: true
    steps:
      - name: fetch
        agent: market-data
        capability: get_history
        timeout: 10s
        params:
          symbol: GLD
      - name: sma
        agent: ma
        capability: calculate_sma
        parallel_group: analysis
        params:
          prices: "{{steps.fetch.prices}}"
      - name: rsi
        agent: rsi
        capability: calculate_rsi
        parallel_group: analysis
        params:
          prices: "{{steps.fetch.prices}}"
      - name: signal
        agent: scorer
        capability: generate_signal
        on_error: retry
        retry:
          max_attempts: 3
          backoff: 2s
  - name: quote-poll
    enabled: false
    steps:
      - name: quote
        agent: market-data
        capability: fetch_quote
`

func TestParse(t *testing.T) {
	wfs, err := Parse([]byte(sampleFile))
	require.NoError(t, err)
	require.Len(t, wfs, 2)

	first := wfs[0]
	assert.Equal(t, "market-analysis", first.Name)
	assert.True(t, first.Enabled)
	require.Len(t, first.Steps, 4)

	fetch := first.Steps[0]
	assert.Equal(t, "market-data", fetch.AgentID)
	assert.Equal(t, "get_history", fetch.Capability)
	assert.Equal(t, 10*time.Second, fetch.Timeout.Duration)
	assert.Equal(t, "GLD", fetch.Params["symbol"])

	assert.Equal(t, "analysis", first.Steps[1].ParallelGroup)
	assert.Equal(t, "analysis", first.Steps[2].ParallelGroup)

	signal := first.Steps[3]
	assert.Equal(t, orchestrator.OnErrorRetry, signal.OnError)
	assert.Equal(t, 3, signal.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, signal.Retry.Backoff.Duration)

	assert.False(t, wfs[1].Enabled)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "not yaml",
			yaml:    "workflows: [unclosed",
			wantErr: "failed to parse",
		},
		{
			name: "invalid step",
			yaml: `
workflows:
  - name: wf
    steps:
      - name: s
        agent: a
`,
			wantErr: "has no capability",
		},
		{
			name: "duplicate workflow names",
			yaml: `
workflows:
  - name: wf
    steps:
      - {name: s, agent: a, capability: c}
  - name: wf
    steps:
      - {name: s, agent: a, capability: c}
`,
			wantErr: "duplicate workflow name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0600))

	wfs, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, wfs, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")
}
