package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/orchestrator"
	"github.com/flowgrid-dev/flowgrid/internal/state"
)

// stubRunner counts executions and tracks peak concurrency.
type stubRunner struct {
	mu        sync.Mutex
	executed  []string // workflow names
	cancelled []string
	active    int
	peak      int

	block   chan struct{} // when non-nil, Execute blocks until closed
	perRun  time.Duration
	execErr error
}

func (r *stubRunner) Execute(ctx context.Context, wf orchestrator.Workflow, input map[string]any, opts ...orchestrator.ExecOption) (*state.Execution, error) {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.executed = append(r.executed, wf.Name)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}
	if r.perRun > 0 {
		time.Sleep(r.perRun)
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return nil, r.execErr
}

func (r *stubRunner) Cancel(ctx context.Context, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, executionID)
	if r.block != nil {
		close(r.block)
		r.block = nil
	}
	return nil
}

func (r *stubRunner) executedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func simpleWorkflow(name string) orchestrator.Workflow {
	return orchestrator.Workflow{
		Name:    name,
		Enabled: true,
		Steps:   []orchestrator.Step{{Name: "s", AgentID: "a", Capability: "c"}},
	}
}

func TestRegisterWorkflow(t *testing.T) {
	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{}, nil)

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("beta")))
	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("alpha")))

	// Invalid definitions are rejected.
	err := s.RegisterWorkflow(orchestrator.Workflow{})
	assert.Error(t, err)

	wfs := s.Workflows()
	require.Len(t, wfs, 2)
	assert.Equal(t, "alpha", wfs[0].Name, "sorted by name")
	assert.Equal(t, "beta", wfs[1].Name)
}

func TestQueueWorkflow_ReturnsExecutionIDImmediately(t *testing.T) {
	runner := &stubRunner{}
	st := state.NewMemoryStore(nil)
	s := New(runner, st, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	execID, err := s.QueueWorkflow(ctx, "wf", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	// The record exists as soon as the id is returned.
	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "wf", e.WorkflowName)
	assert.Equal(t, "v", e.Input["k"])

	require.Eventually(t, func() bool {
		return runner.executedCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueueWorkflow_Errors(t *testing.T) {
	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{}, nil)
	ctx := context.Background()
	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))

	// Not started yet.
	_, err := s.QueueWorkflow(ctx, "wf", nil)
	assert.ErrorIs(t, err, ErrNotAccepting)

	require.NoError(t, s.Start(ctx))

	_, err = s.QueueWorkflow(ctx, "unknown", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	require.NoError(t, s.Stop(ctx))

	_, err = s.QueueWorkflow(ctx, "wf", nil)
	assert.ErrorIs(t, err, ErrNotAccepting)
}

func TestQueueWorkflow_RejectWhenFull(t *testing.T) {
	st := state.NewMemoryStore(nil)
	s := New(&stubRunner{}, st, Config{QueueCapacity: 2, QueuePolicy: QueuePolicyReject}, nil)
	ctx := context.Background()
	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))

	// Mark the scheduler accepting without starting the executor loop,
	// so queued runs stay queued.
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()

	_, err := s.QueueWorkflow(ctx, "wf", nil)
	require.NoError(t, err)
	_, err = s.QueueWorkflow(ctx, "wf", nil)
	require.NoError(t, err)

	rejectedID := func() string {
		_, err = s.QueueWorkflow(ctx, "wf", nil)
		require.ErrorIs(t, err, ErrQueueFull)
		// The rejected run's record is closed out as failed.
		history, herr := st.GetHistory(ctx, "wf", 10)
		require.NoError(t, herr)
		return history[0].ID
	}()

	e, err := st.GetExecution(ctx, rejectedID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, e.Status)
	assert.Contains(t, e.Error, "queue full")
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	runner := &stubRunner{perRun: 10 * time.Millisecond}
	s := New(runner, state.NewMemoryStore(nil), Config{MaxConcurrent: 2, QueueCapacity: 50}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	for i := 0; i < 20; i++ {
		_, err := s.QueueWorkflow(ctx, "wf", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return runner.executedCount() == 20
	}, 5*time.Second, 5*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.peak, 2, "no more than max_concurrent executions at once")
}

func TestCheckSchedules_IntervalFiresOncePerWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	st := state.NewMemoryStore(nil)
	s := New(&stubRunner{}, st, Config{QueueCapacity: 10}, nil, WithClock(clock))
	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.ScheduleWorkflow("wf", 300*time.Second))

	// Before the interval elapses: nothing.
	now = now.Add(100 * time.Second)
	s.checkSchedules()
	assert.Equal(t, 0, len(s.queue))

	// Interval elapsed: exactly one trigger.
	now = now.Add(200 * time.Second)
	s.checkSchedules()
	assert.Equal(t, 1, len(s.queue))

	// Immediately after: the window was consumed.
	now = now.Add(time.Second)
	s.checkSchedules()
	assert.Equal(t, 1, len(s.queue))

	// Next window: one more.
	now = now.Add(300 * time.Second)
	s.checkSchedules()
	assert.Equal(t, 2, len(s.queue))
}

func TestCheckSchedules_Cron(t *testing.T) {
	now := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{QueueCapacity: 10}, nil, WithClock(clock))
	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("nightly")))
	require.NoError(t, s.ScheduleWorkflowCron("nightly", "0 0 * * *"))

	// Still before midnight.
	now = now.Add(30 * time.Minute)
	s.checkSchedules()
	assert.Equal(t, 0, len(s.queue))

	// Past midnight: one trigger, next occurrence advances a day.
	now = now.Add(31 * time.Minute)
	s.checkSchedules()
	assert.Equal(t, 1, len(s.queue))

	now = now.Add(time.Hour)
	s.checkSchedules()
	assert.Equal(t, 1, len(s.queue))
}

func TestScheduleWorkflow_Errors(t *testing.T) {
	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{}, nil)

	assert.ErrorIs(t, s.ScheduleWorkflow("unknown", time.Minute), ErrWorkflowNotFound)
	assert.ErrorIs(t, s.ScheduleWorkflowCron("unknown", "* * * * *"), ErrWorkflowNotFound)

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	assert.Error(t, s.ScheduleWorkflow("wf", 0), "non-positive interval")
	assert.Error(t, s.ScheduleWorkflowCron("wf", "not a cron spec"))
}

func TestGetStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{}, nil,
		WithClock(func() time.Time { return now }))

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.ScheduleWorkflow("wf", 5*time.Minute))

	status := s.GetStatus()
	require.Len(t, status.Schedules, 1)
	assert.Equal(t, "wf", status.Schedules[0].WorkflowName)
	assert.Equal(t, 5*time.Minute, status.Schedules[0].Interval)
	assert.Equal(t, now.Add(5*time.Minute), status.Schedules[0].NextTrigger)
	assert.Equal(t, 0, status.QueueDepth)
	assert.Equal(t, 0, status.ActiveCount)
}

func TestUnscheduleWorkflow(t *testing.T) {
	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{}, nil)
	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.ScheduleWorkflow("wf", time.Minute))

	s.UnscheduleWorkflow("wf")
	s.UnscheduleWorkflow("wf") // no-op

	assert.Empty(t, s.GetStatus().Schedules)
}

func TestStop_CancelsRunsOutlivingGrace(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := New(runner, state.NewMemoryStore(nil), Config{ShutdownGrace: agent.Duration{Duration: 20 * time.Millisecond}}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.Start(ctx))

	execID, err := s.QueueWorkflow(ctx, "wf", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runner.executedCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.cancelled, 1)
	assert.Equal(t, execID, runner.cancelled[0])
}

func TestStop_ClosesOutDequeuedRun(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	st := state.NewMemoryStore(nil)
	s := New(runner, st, Config{
		MaxConcurrent: 1,
		QueueCapacity: 2,
		ShutdownGrace: agent.Duration{Duration: 20 * time.Millisecond},
	}, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterWorkflow(simpleWorkflow("wf")))
	require.NoError(t, s.Start(ctx))

	// The first run occupies the single concurrency slot.
	_, err := s.QueueWorkflow(ctx, "wf", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return runner.executedCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The second run gets dequeued and parks on the semaphore.
	second, err := s.QueueWorkflow(ctx, "wf", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(s.queue) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))

	// Stop aborted the semaphore wait; the dequeued run's record must
	// not be left pending.
	e, err := st.GetExecution(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, e.Status)
	assert.Contains(t, e.Error, "scheduler stopped")
}

func TestStartStop_Idempotent(t *testing.T) {
	s := New(&stubRunner{}, state.NewMemoryStore(nil), Config{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
