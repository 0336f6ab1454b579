// Package orchestrator executes workflows: ordered sequences of agent
// requests with output threading, per-step timeouts, and failure
// policies.
package orchestrator

import (
	"fmt"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
)

// OnError selects how a step failure affects the rest of the workflow.
type OnError string

const (
	// OnErrorStop fails the execution and halts remaining steps.
	OnErrorStop OnError = "stop"
	// OnErrorContinue records the failure and proceeds with a nil
	// result merged under the step's name.
	OnErrorContinue OnError = "continue"
	// OnErrorRetry re-issues the request per the step's Retry settings
	// before failing the execution.
	OnErrorRetry OnError = "retry"
)

// Retry configures the OnErrorRetry policy. Backoff is linear: the
// wait before attempt n+1 is n*Backoff.
type Retry struct {
	MaxAttempts int            `yaml:"max_attempts"`
	Backoff     agent.Duration `yaml:"backoff,omitempty"`
}

// Step is one unit of work bound to a single agent capability.
type Step struct {
	Name       string         `yaml:"name"`
	AgentID    string         `yaml:"agent"`
	Capability string         `yaml:"capability"`
	Params     map[string]any `yaml:"params,omitempty"`
	Timeout    agent.Duration `yaml:"timeout,omitempty"`

	// ParallelGroup tags consecutive steps to be dispatched together
	// as a concurrent batch.
	ParallelGroup string `yaml:"parallel_group,omitempty"`

	OnError OnError `yaml:"on_error,omitempty"`
	Retry   Retry   `yaml:"retry,omitempty"`
}

// Workflow is a read-only description of a multi-step run. Workflows
// are value objects: the orchestrator never mutates them.
type Workflow struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Enabled     bool   `yaml:"enabled"`
	Steps       []Step `yaml:"steps"`
}

// Validate checks structural rules: unique non-empty step names, a
// target agent and capability per step, and known error policies.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", w.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", w.Name, s.Name)
		}
		seen[s.Name] = true
		if s.AgentID == "" {
			return fmt.Errorf("workflow %q: step %q has no agent", w.Name, s.Name)
		}
		if s.Capability == "" {
			return fmt.Errorf("workflow %q: step %q has no capability", w.Name, s.Name)
		}
		switch s.OnError {
		case "", OnErrorStop, OnErrorContinue, OnErrorRetry:
		default:
			return fmt.Errorf("workflow %q: step %q has unknown on_error %q", w.Name, s.Name, s.OnError)
		}
		if s.OnError == OnErrorRetry && s.Retry.MaxAttempts < 1 {
			return fmt.Errorf("workflow %q: step %q retry needs max_attempts >= 1", w.Name, s.Name)
		}
	}
	return nil
}

// errorPolicy returns the effective policy, defaulting to stop.
func (s *Step) errorPolicy() OnError {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}

// batches splits steps into execution batches: a run of consecutive
// steps sharing the same non-empty ParallelGroup forms one concurrent
// batch; every other step is a batch of one.
func batches(steps []Step) [][]int {
	var out [][]int
	for i := 0; i < len(steps); {
		if steps[i].ParallelGroup == "" {
			out = append(out, []int{i})
			i++
			continue
		}
		group := steps[i].ParallelGroup
		batch := []int{i}
		j := i + 1
		for j < len(steps) && steps[j].ParallelGroup == group {
			batch = append(batch, j)
			j++
		}
		out = append(out, batch)
		i = j
	}
	return out
}
