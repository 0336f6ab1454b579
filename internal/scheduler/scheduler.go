// Package scheduler turns interval/cron schedules and ad-hoc queue
// requests into bounded-concurrency orchestrator invocations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/orchestrator"
	"github.com/flowgrid-dev/flowgrid/internal/state"
	"github.com/flowgrid-dev/flowgrid/pkg/logging"
	"github.com/flowgrid-dev/flowgrid/pkg/observability"
)

var (
	// ErrQueueFull is returned when the queue policy is reject and no
	// slot is free.
	ErrQueueFull = errors.New("workflow queue is full")

	// ErrWorkflowNotFound is returned for names never registered.
	ErrWorkflowNotFound = errors.New("workflow not registered")

	// ErrNotAccepting is returned when the scheduler is stopped or
	// shutting down.
	ErrNotAccepting = errors.New("scheduler is not accepting work")
)

// Runner abstracts the orchestrator for the scheduler (and for tests).
type Runner interface {
	Execute(ctx context.Context, wf orchestrator.Workflow, input map[string]any, opts ...orchestrator.ExecOption) (*state.Execution, error)
	Cancel(ctx context.Context, executionID string) error
}

// QueuePolicy selects the behavior when the run queue is at capacity.
type QueuePolicy string

const (
	// QueuePolicyReject fails new enqueues with ErrQueueFull.
	QueuePolicyReject QueuePolicy = "reject"
	// QueuePolicyBlock makes QueueWorkflow wait for a free slot.
	QueuePolicyBlock QueuePolicy = "block"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent bounds simultaneously running executions.
	MaxConcurrent int `yaml:"max_concurrent"`
	// QueueCapacity bounds the pending-run queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// QueuePolicy applies when the queue is full.
	QueuePolicy QueuePolicy `yaml:"queue_policy"`
	// Tick is the schedule-scan interval.
	Tick agent.Duration `yaml:"tick,omitempty"`
	// ShutdownGrace is how long Stop waits for in-flight executions
	// before force-cancelling them.
	ShutdownGrace agent.Duration `yaml:"shutdown_grace,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.QueuePolicy == "" {
		c.QueuePolicy = QueuePolicyReject
	}
	if c.Tick.Duration <= 0 {
		c.Tick.Duration = time.Second
	}
	if c.ShutdownGrace.Duration <= 0 {
		c.ShutdownGrace.Duration = 30 * time.Second
	}
}

// schedule is one recurring entry: either a plain interval or a cron
// expression.
type schedule struct {
	workflowName  string
	interval      time.Duration
	cronSpec      string
	cronSchedule  cron.Schedule
	lastTriggered time.Time
	nextCron      time.Time
	runCount      int
}

type queuedRun struct {
	executionID string
	workflow    orchestrator.Workflow
	input       map[string]any
}

// Scheduler owns the schedule table, the run queue, and the two loops
// that drive them.
type Scheduler struct {
	runner Runner
	store  state.Store
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	workflows map[string]orchestrator.Workflow
	schedules map[string]*schedule
	active    map[string]struct{}
	accepting bool

	queue  chan queuedRun
	sem    *semaphore.Weighted
	stopCh chan struct{}
	loopWg sync.WaitGroup
	execWg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a time source, used by tests to simulate the
// passage of time.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a stopped scheduler.
func New(runner Runner, st state.Store, cfg Config, log *slog.Logger, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		runner:    runner,
		store:     st,
		cfg:       cfg,
		log:       logging.Component(log, "scheduler"),
		now:       time.Now,
		workflows: make(map[string]orchestrator.Workflow),
		schedules: make(map[string]*schedule),
		active:    make(map[string]struct{}),
		queue:     make(chan queuedRun, cfg.QueueCapacity),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterWorkflow makes a workflow runnable by name. Registering an
// existing name replaces the definition.
func (s *Scheduler) RegisterWorkflow(wf orchestrator.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.Name] = wf
	return nil
}

// Workflows returns the registered definitions sorted by name.
func (s *Scheduler) Workflows() []orchestrator.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]orchestrator.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ScheduleWorkflow registers or replaces a recurring interval schedule.
// The first trigger fires one full interval after registration; a slow
// run never causes overlapping re-triggers because lastTriggered is
// advanced before the run is enqueued.
func (s *Scheduler) ScheduleWorkflow(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[name]; !ok {
		return fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
	}

	if existing, ok := s.schedules[name]; ok {
		existing.interval = interval
		existing.cronSpec = ""
		existing.cronSchedule = nil
		return nil
	}
	s.schedules[name] = &schedule{
		workflowName:  name,
		interval:      interval,
		lastTriggered: s.now(),
	}
	s.log.Info("scheduled workflow", "workflow", name, "interval", interval)
	return nil
}

// ScheduleWorkflowCron registers or replaces a cron-expression
// schedule (standard 5-field format).
func (s *Scheduler) ScheduleWorkflowCron(name, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[name]; !ok {
		return fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
	}

	entry, ok := s.schedules[name]
	if !ok {
		entry = &schedule{workflowName: name}
		s.schedules[name] = entry
	}
	entry.interval = 0
	entry.cronSpec = spec
	entry.cronSchedule = sched
	entry.nextCron = sched.Next(s.now())
	s.log.Info("scheduled workflow", "workflow", name, "cron", spec)
	return nil
}

// UnscheduleWorkflow removes a recurring schedule. Unknown names are a
// no-op.
func (s *Scheduler) UnscheduleWorkflow(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, name)
}

// QueueWorkflow enqueues a one-off run and returns its execution id
// immediately; the run itself happens asynchronously on the executor
// loop.
func (s *Scheduler) QueueWorkflow(ctx context.Context, name string, input map[string]any) (string, error) {
	s.mu.Lock()
	wf, ok := s.workflows[name]
	accepting := s.accepting
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
	}
	if !accepting {
		return "", ErrNotAccepting
	}

	execID, err := s.store.CreateExecution(ctx, wf.Name, input)
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	run := queuedRun{executionID: execID, workflow: wf, input: input}
	switch s.cfg.QueuePolicy {
	case QueuePolicyBlock:
		select {
		case s.queue <- run:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	default:
		select {
		case s.queue <- run:
		default:
			if err := s.store.UpdateExecution(ctx, execID, state.StatusFailed, nil, "scheduler queue full"); err != nil {
				s.log.Error("failed to record queue-full rejection", "execution_id", execID, "error", err)
			}
			return "", fmt.Errorf("queueing %q: %w", name, ErrQueueFull)
		}
	}

	observability.SetQueueDepth(len(s.queue))
	s.log.Info("queued workflow", "workflow", name, "execution_id", execID)
	return execID, nil
}

// Start launches the trigger and executor loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.loopWg.Add(2)
	go s.triggerLoop(stopCh)
	go s.executorLoop(stopCh)

	s.log.Info("scheduler started", "max_concurrent", s.cfg.MaxConcurrent, "queue_capacity", s.cfg.QueueCapacity)
	return nil
}

// Stop shuts the scheduler down: no new triggers, no new dequeues,
// in-flight executions drained up to the grace period, leftovers
// cancelled through the runner.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.execWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace.Duration):
		s.mu.Lock()
		remaining := make([]string, 0, len(s.active))
		for id := range s.active {
			remaining = append(remaining, id)
		}
		s.mu.Unlock()

		s.log.Warn("grace period elapsed, cancelling executions", "count", len(remaining))
		for _, id := range remaining {
			if err := s.runner.Cancel(ctx, id); err != nil {
				s.log.Error("failed to cancel execution", "execution_id", id, "error", err)
			}
		}
	}

	s.log.Info("scheduler stopped")
	return nil
}

// ScheduleStatus describes one recurring entry.
type ScheduleStatus struct {
	WorkflowName  string        `json:"workflow_name"`
	Interval      time.Duration `json:"interval,omitempty"`
	CronSpec      string        `json:"cron,omitempty"`
	LastTriggered time.Time     `json:"last_triggered"`
	NextTrigger   time.Time     `json:"next_trigger"`
	RunCount      int           `json:"run_count"`
}

// Status is the externally visible scheduler state.
type Status struct {
	Schedules        []ScheduleStatus `json:"schedules"`
	QueueDepth       int              `json:"queue_depth"`
	ActiveCount      int              `json:"active_count"`
	ActiveExecutions []string         `json:"active_executions"`
}

// GetStatus reports schedules with next-trigger estimates, queue depth,
// and the set of running executions.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{QueueDepth: len(s.queue), ActiveCount: len(s.active)}
	for _, entry := range s.schedules {
		ss := ScheduleStatus{
			WorkflowName:  entry.workflowName,
			Interval:      entry.interval,
			CronSpec:      entry.cronSpec,
			LastTriggered: entry.lastTriggered,
			RunCount:      entry.runCount,
		}
		if entry.cronSchedule != nil {
			ss.NextTrigger = entry.nextCron
		} else {
			ss.NextTrigger = entry.lastTriggered.Add(entry.interval)
		}
		st.Schedules = append(st.Schedules, ss)
	}
	sort.Slice(st.Schedules, func(i, j int) bool {
		return st.Schedules[i].WorkflowName < st.Schedules[j].WorkflowName
	})

	for id := range s.active {
		st.ActiveExecutions = append(st.ActiveExecutions, id)
	}
	sort.Strings(st.ActiveExecutions)
	return st
}

func (s *Scheduler) triggerLoop(stopCh <-chan struct{}) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.Tick.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.checkSchedules()
		}
	}
}

// checkSchedules scans the schedule table and enqueues every entry
// that is due. lastTriggered advances before the run starts, so an
// execution outliving its interval cannot re-trigger concurrently.
func (s *Scheduler) checkSchedules() {
	now := s.now()

	s.mu.Lock()
	var due []queuedRun
	for _, entry := range s.schedules {
		triggered := false
		if entry.cronSchedule != nil {
			if !now.Before(entry.nextCron) {
				entry.nextCron = entry.cronSchedule.Next(now)
				triggered = true
			}
		} else if now.Sub(entry.lastTriggered) >= entry.interval {
			triggered = true
		}
		if !triggered {
			continue
		}
		entry.lastTriggered = now
		entry.runCount++
		if wf, ok := s.workflows[entry.workflowName]; ok {
			due = append(due, queuedRun{workflow: wf})
		}
	}
	s.mu.Unlock()

	for _, run := range due {
		execID, err := s.store.CreateExecution(context.Background(), run.workflow.Name, nil)
		if err != nil {
			s.log.Error("failed to create scheduled execution", "workflow", run.workflow.Name, "error", err)
			continue
		}
		run.executionID = execID

		select {
		case s.queue <- run:
			s.log.Info("triggered scheduled workflow", "workflow", run.workflow.Name, "execution_id", execID)
		default:
			s.log.Error("queue full, dropping scheduled trigger", "workflow", run.workflow.Name)
			if err := s.store.UpdateExecution(context.Background(), execID, state.StatusFailed, nil, "scheduler queue full"); err != nil {
				s.log.Error("failed to record dropped trigger", "execution_id", execID, "error", err)
			}
		}
	}
	observability.SetQueueDepth(len(s.queue))
}

func (s *Scheduler) executorLoop(stopCh <-chan struct{}) {
	defer s.loopWg.Done()

	// One context for the loop's lifetime, cancelled when stopCh closes,
	// so semaphore waits abort on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case run := <-s.queue:
			observability.SetQueueDepth(len(s.queue))
			if err := s.sem.Acquire(ctx, 1); err != nil {
				// Shutting down with a run already dequeued. Close out
				// its record so it does not linger pending forever.
				if uerr := s.store.UpdateExecution(context.Background(), run.executionID,
					state.StatusCancelled, nil, "scheduler stopped before run started"); uerr != nil {
					s.log.Error("failed to record abandoned run", "execution_id", run.executionID, "error", uerr)
				}
				return
			}
			s.execWg.Add(1)
			go s.runOne(run)
		}
	}
}

// runOne executes a dequeued run, isolating the executor loop from
// failures: an execution that panics or errors before reaching the
// orchestrator is recorded as FAILED rather than killing the loop.
func (s *Scheduler) runOne(run queuedRun) {
	s.mu.Lock()
	s.active[run.executionID] = struct{}{}
	observability.SetActiveExecutions(len(s.active))
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("execution panicked", "execution_id", run.executionID, "panic", r)
			err := s.store.UpdateExecution(context.Background(), run.executionID, state.StatusFailed, nil, fmt.Sprintf("panic: %v", r))
			if err != nil {
				s.log.Error("failed to record panic", "execution_id", run.executionID, "error", err)
			}
		}
		s.mu.Lock()
		delete(s.active, run.executionID)
		observability.SetActiveExecutions(len(s.active))
		s.mu.Unlock()
		s.sem.Release(1)
		s.execWg.Done()
	}()

	_, err := s.runner.Execute(context.Background(), run.workflow, run.input,
		orchestrator.WithExecutionID(run.executionID))
	if err != nil {
		s.log.Error("execution failed before completing", "execution_id", run.executionID, "error", err)
		uerr := s.store.UpdateExecution(context.Background(), run.executionID, state.StatusFailed, nil, err.Error())
		if uerr != nil {
			s.log.Error("failed to record execution failure", "execution_id", run.executionID, "error", uerr)
		}
	}
}
