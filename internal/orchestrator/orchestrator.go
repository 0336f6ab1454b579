package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
	"github.com/flowgrid-dev/flowgrid/internal/state"
	"github.com/flowgrid-dev/flowgrid/pkg/logging"
	"github.com/flowgrid-dev/flowgrid/pkg/observability"
)

// orchestratorID is the agent id the orchestrator uses on the bus.
const orchestratorID = "orchestrator"

// DefaultStepTimeout applies when a step declares none.
const DefaultStepTimeout = 30 * time.Second

// DefaultRetryBackoff is the base for the linear retry backoff when a
// step's retry policy declares none.
const DefaultRetryBackoff = time.Second

// maxRetryBackoff caps a single retry wait.
const maxRetryBackoff = 30 * time.Second

// StepError wraps the failure of a single workflow step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %q: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// ErrAgentDisabled is returned when a step targets a disabled agent.
var ErrAgentDisabled = errors.New("agent is disabled")

// Orchestrator drives workflow executions against agents via the bus's
// request/response protocol and records them in the state store.
type Orchestrator struct {
	bus      *bus.Bus
	registry *agent.Registry
	store    state.Store
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]*execHandle
}

type execHandle struct {
	cancelled atomic.Bool
}

// New creates an orchestrator.
func New(b *bus.Bus, reg *agent.Registry, st state.Store, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:      b,
		registry: reg,
		store:    st,
		log:      logging.Component(log, "orchestrator"),
		active:   make(map[string]*execHandle),
	}
}

// ExecOption configures one execution.
type ExecOption func(*execConfig)

type execConfig struct {
	executionID string
}

// WithExecutionID reuses a pre-created execution record instead of
// creating a new one. The scheduler uses this so queued runs expose
// their id before they start.
func WithExecutionID(id string) ExecOption {
	return func(c *execConfig) { c.executionID = id }
}

// Execute runs a workflow to a terminal state and returns its final
// execution record. Workflow-level failures (a stopped step, a
// cancellation) are reflected in the record's status, not the error
// return; the error covers infrastructure faults such as a failing
// state store.
func (o *Orchestrator) Execute(ctx context.Context, wf Workflow, input map[string]any, opts ...ExecOption) (*state.Execution, error) {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	execID := cfg.executionID
	if execID == "" {
		id, err := o.store.CreateExecution(ctx, wf.Name, input)
		if err != nil {
			return nil, fmt.Errorf("create execution: %w", err)
		}
		execID = id
	} else {
		// A pre-created record may have been cancelled while it sat in a
		// queue. A terminal record dispatches nothing.
		existing, err := o.store.GetExecution(ctx, execID)
		if err != nil {
			return nil, fmt.Errorf("load execution: %w", err)
		}
		if existing.Status.Terminal() {
			o.log.Info("skipping terminal execution",
				"execution_id", execID, "status", existing.Status)
			return existing, nil
		}
	}

	handle := &execHandle{}
	o.mu.Lock()
	o.active[execID] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, execID)
		o.mu.Unlock()
	}()

	if err := o.store.UpdateExecution(ctx, execID, state.StatusRunning, nil, ""); err != nil {
		return nil, fmt.Errorf("mark execution running: %w", err)
	}
	o.log.Info("executing workflow", "workflow", wf.Name, "execution_id", execID)

	results := make(map[string]map[string]any, len(wf.Steps))
	var resultsMu sync.Mutex

	for _, batch := range batches(wf.Steps) {
		if handle.cancelled.Load() || ctx.Err() != nil {
			return o.finishCancelled(ctx, wf.Name, execID)
		}

		var g errgroup.Group
		for _, idx := range batch {
			idx := idx
			g.Go(func() error {
				step := wf.Steps[idx]

				result, err := o.runStep(ctx, execID, &step, idx, input, results, &resultsMu)
				if err != nil {
					if step.errorPolicy() == OnErrorContinue {
						o.log.Warn("step failed, continuing", "workflow", wf.Name, "step", step.Name, "error", err)
						resultsMu.Lock()
						results[step.Name] = nil
						resultsMu.Unlock()
						return nil
					}
					// stop, or retry exhausted: fails the execution.
					return &StepError{Step: step.Name, Err: err}
				}
				resultsMu.Lock()
				results[step.Name] = result
				resultsMu.Unlock()
				return nil
			})
		}
		// Wait lets every step in the batch finish and reports the first
		// stopping failure.
		if err := g.Wait(); err != nil {
			return o.finish(ctx, wf.Name, execID, state.StatusFailed, nil, err.Error())
		}
	}

	if handle.cancelled.Load() {
		return o.finishCancelled(ctx, wf.Name, execID)
	}

	aggregate := make(map[string]any, len(results))
	for name, r := range results {
		aggregate[name] = r
	}
	return o.finish(ctx, wf.Name, execID, state.StatusCompleted, aggregate, "")
}

// Cancel marks an execution cancelled. Further step dispatch stops;
// an in-flight request is left to finish with its response discarded.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	handle, running := o.active[executionID]
	o.mu.Unlock()

	if running {
		handle.cancelled.Store(true)
	}
	// The store no-ops if the execution already reached a terminal
	// state, so cancelling a finished execution is harmless.
	return o.store.UpdateExecution(ctx, executionID, state.StatusCancelled, nil, "cancelled")
}

// ActiveExecutions returns the ids of executions currently running.
func (o *Orchestrator) ActiveExecutions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.active))
	for id := range o.active {
		out = append(out, id)
	}
	return out
}

// runStep executes one step including its retry policy. Each attempt
// gets its own step-execution record.
func (o *Orchestrator) runStep(ctx context.Context, execID string, step *Step, idx int, input map[string]any, results map[string]map[string]any, resultsMu *sync.Mutex) (map[string]any, error) {
	maxAttempts := 1
	backoff := step.Retry.Backoff.Duration
	if step.errorPolicy() == OnErrorRetry {
		maxAttempts = step.Retry.MaxAttempts
		if backoff <= 0 {
			backoff = DefaultRetryBackoff
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * backoff
			if wait > maxRetryBackoff {
				wait = maxRetryBackoff
			}
			o.log.Warn("retrying step", "step", step.Name, "attempt", attempt, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := o.attemptStep(ctx, execID, step, idx, attempt, input, results, resultsMu)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// attemptStep performs a single dispatch attempt with its own record.
func (o *Orchestrator) attemptStep(ctx context.Context, execID string, step *Step, idx, attempt int, input map[string]any, results map[string]map[string]any, resultsMu *sync.Mutex) (map[string]any, error) {
	stepID, err := o.store.AddStepExecution(ctx, execID, step.Name, idx, attempt, state.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("record step execution: %w", err)
	}
	started := time.Now()

	result, dispatchErr := o.dispatchStep(ctx, step, input, results, resultsMu)

	status := state.StatusCompleted
	errMsg := ""
	if dispatchErr != nil {
		status = state.StatusFailed
		errMsg = dispatchErr.Error()
	}
	if err := o.store.UpdateStepExecution(ctx, stepID, status, result, errMsg); err != nil {
		o.log.Error("failed to update step execution", "step", step.Name, "error", err)
	}
	observability.RecordWorkflowStep(step.Name, time.Since(started).Seconds())

	return result, dispatchErr
}

func (o *Orchestrator) dispatchStep(ctx context.Context, step *Step, input map[string]any, results map[string]map[string]any, resultsMu *sync.Mutex) (map[string]any, error) {
	target, err := o.registry.Lookup(step.AgentID)
	if err != nil {
		return nil, err
	}
	if !target.Metadata().Enabled {
		return nil, fmt.Errorf("%w: %q", ErrAgentDisabled, step.AgentID)
	}

	resultsMu.Lock()
	params, err := resolveParams(step.Params, input, results)
	resultsMu.Unlock()
	if err != nil {
		return nil, err
	}

	timeout := step.Timeout.Duration
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	resp, err := o.bus.Request(ctx, orchestratorID, step.AgentID, step.Capability, params, timeout)
	if err != nil {
		return nil, err
	}
	if errVal, ok := resp.Data["error"]; ok {
		return nil, fmt.Errorf("agent %q reported error: %v", step.AgentID, errVal)
	}
	return resp.Data, nil
}

func (o *Orchestrator) finish(ctx context.Context, workflow, execID string, status state.ExecutionStatus, result map[string]any, errMsg string) (*state.Execution, error) {
	if err := o.store.UpdateExecution(ctx, execID, status, result, errMsg); err != nil {
		return nil, fmt.Errorf("finish execution: %w", err)
	}

	final, err := o.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	observability.RecordWorkflowExecution(workflow, string(final.Status))

	if final.Status == state.StatusFailed {
		o.log.Error("workflow failed", "workflow", workflow, "execution_id", execID, "error", final.Error)
	} else {
		o.log.Info("workflow finished", "workflow", workflow, "execution_id", execID, "status", final.Status)
	}
	return final, nil
}

// finishCancelled finalizes a cancelled execution. The cancelled status
// is usually already recorded by Cancel; the update below is a no-op in
// that case.
func (o *Orchestrator) finishCancelled(ctx context.Context, workflow, execID string) (*state.Execution, error) {
	return o.finish(ctx, workflow, execID, state.StatusCancelled, nil, "cancelled")
}
