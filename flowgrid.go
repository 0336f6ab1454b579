// Package flowgrid wires the coordination substrate together: message
// bus, agent registry, workflow orchestrator, state store, and
// scheduler, constructed from a single configuration.
package flowgrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
	"github.com/flowgrid-dev/flowgrid/internal/orchestrator"
	"github.com/flowgrid-dev/flowgrid/internal/scheduler"
	"github.com/flowgrid-dev/flowgrid/internal/state"
	"github.com/flowgrid-dev/flowgrid/pkg/config"
	"github.com/flowgrid-dev/flowgrid/pkg/logging"
	"github.com/flowgrid-dev/flowgrid/pkg/observability"
	"github.com/flowgrid-dev/flowgrid/pkg/workflow"
)

// System is a fully wired substrate instance.
type System struct {
	cfg *config.Config
	log *slog.Logger

	Bus          *bus.Bus
	Registry     *agent.Registry
	Store        state.Store
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler

	httpServer *observability.Server
}

// New builds a system from configuration. Agents are created through
// their registered factories and cataloged but not started; workflows
// from the configured workflows file are registered with the scheduler.
func New(cfg *config.Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel))
	observability.InitMetrics()

	b := bus.New(
		bus.WithHistorySize(cfg.Bus.HistorySize),
		bus.WithLogger(log),
	)

	store, err := newStore(cfg, log)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(log)
	for _, def := range cfg.Agents {
		a, err := agent.Create(def, b, log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create agent %q: %w", def.ID, err)
		}
		registry.Register(context.Background(), a)
	}

	orch := orchestrator.New(b, registry, store, log)
	sched := scheduler.New(orch, store, cfg.Scheduler, log)

	if cfg.WorkflowsFile != "" {
		workflows, err := workflow.Load(cfg.WorkflowsFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		for _, wf := range workflows {
			if !wf.Enabled {
				log.Info("skipping disabled workflow", "workflow", wf.Name)
				continue
			}
			if err := sched.RegisterWorkflow(wf); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
	}

	sys := &System{
		cfg:          cfg,
		log:          log,
		Bus:          b,
		Registry:     registry,
		Store:        store,
		Orchestrator: orch,
		Scheduler:    sched,
	}

	if cfg.HTTPPort > 0 {
		checker := observability.NewHealthChecker()
		checker.RegisterCheck(observability.PingCheck())
		checker.RegisterCheck(sys.storeCheck())
		sys.httpServer = observability.NewServer(cfg.HTTPPort, checker)
	}
	return sys, nil
}

func newStore(cfg *config.Config, log *slog.Logger) (state.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return state.NewMemoryStore(log), nil
	case "sqlite":
		return state.OpenSQLiteStore(cfg.Store.Path, log)
	case "redis":
		return state.NewRedisStore(cfg.Store.Redis, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (s *System) storeCheck() observability.Check {
	return observability.Check{
		Name:     "state_store",
		Critical: true,
		Timeout:  2 * time.Second,
		CheckFunc: func(ctx context.Context) error {
			_, err := s.Store.GetHistory(ctx, "", 1)
			return err
		},
	}
}

// Logger returns the system's root logger.
func (s *System) Logger() *slog.Logger { return s.log }

// Start brings the system up: agents in dependency order, then the
// scheduler, then the HTTP endpoints.
func (s *System) Start(ctx context.Context) error {
	if err := s.Registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}
	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}

	if s.httpServer != nil {
		go func() {
			if err := s.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server stopped", "error", err)
			}
		}()
	}

	s.log.Info("system started",
		"agents", s.Registry.Count(),
		"workflows", len(s.Scheduler.Workflows()))
	return nil
}

// Stop brings the system down in reverse order: scheduler first so no
// new work starts, then agents, then the store and HTTP endpoints.
func (s *System) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.Scheduler.Stop(ctx))
	record(s.Registry.StopAll(ctx))
	if s.httpServer != nil {
		record(s.httpServer.Shutdown(ctx))
	}
	record(s.Store.Close())

	s.log.Info("system stopped")
	return firstErr
}

// Run starts the system and blocks until the context is cancelled or a
// termination signal arrives, then shuts down gracefully.
func (s *System) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.log.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		s.log.Info("signal received, shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}
