package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowgrid-dev/flowgrid/internal/graph"
	"github.com/flowgrid-dev/flowgrid/pkg/logging"
)

// Registry is the in-memory catalog of agents, keyed by agent id. It
// supports discovery by id, capability, or category, and bulk lifecycle
// operations.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string // registration order, for deterministic iteration
	log    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		log:    logging.Component(log, "registry"),
	}
}

// Register adds an agent to the catalog. Registering a duplicate id
// stops the prior agent and replaces it.
func (r *Registry) Register(ctx context.Context, a Agent) {
	id := a.Metadata().AgentID

	r.mu.Lock()
	prior, exists := r.agents[id]
	r.agents[id] = a
	if !exists {
		r.order = append(r.order, id)
	}
	r.mu.Unlock()

	if exists {
		r.log.Warn("replacing registered agent", "agent_id", id)
		if err := prior.Stop(ctx); err != nil {
			r.log.Warn("failed to stop replaced agent", "agent_id", id, "error", err)
		}
	} else {
		r.log.Info("registered agent", "agent_id", id, "category", a.Metadata().Category)
	}
}

// Unregister removes an agent from the catalog. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return
	}
	delete(r.agents, id)
	for i, n := range r.order {
		if n == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the agent registered under id.
func (r *Registry) Lookup(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return a, nil
}

// LookupByCapability returns every agent declaring the named
// capability. An empty result is not an error.
func (r *Registry) LookupByCapability(name string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, id := range r.order {
		a := r.agents[id]
		for _, c := range a.Metadata().Capabilities {
			if c.Name == name {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// LookupByCategory returns every agent in the given category.
func (r *Registry) LookupByCategory(category string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, id := range r.order {
		if a := r.agents[id]; a.Metadata().Category == category {
			out = append(out, a)
		}
	}
	return out
}

// All returns every registered agent in registration order.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Categories returns the distinct categories present in the catalog.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		c := r.agents[id].Metadata().Category
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// StartAll starts every enabled agent in dependency order. A single
// agent's start failure is recorded and joined into the returned error,
// but does not abort starting the remaining agents. A dependency
// declaration error (cycle, unknown id) aborts before anything starts.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	g := graph.New()
	for _, id := range r.order {
		g.Add(id, r.agents[id].Metadata().Dependencies)
	}
	r.mu.RUnlock()

	order, err := g.StartOrder()
	if err != nil {
		return fmt.Errorf("agent dependency validation: %w", err)
	}

	var errs []error
	for _, id := range order {
		r.mu.RLock()
		a, ok := r.agents[id]
		r.mu.RUnlock()
		if !ok || !a.Metadata().Enabled {
			continue
		}
		if err := a.Start(ctx); err != nil {
			r.log.Error("failed to start agent", "agent_id", id, "error", err)
			errs = append(errs, fmt.Errorf("start %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every registered agent concurrently. Individual stop
// failures are joined into the returned error.
func (r *Registry) StopAll(ctx context.Context) error {
	agents := r.All()

	var eg errgroup.Group
	for _, a := range agents {
		a := a
		eg.Go(func() error {
			if err := a.Stop(ctx); err != nil {
				return fmt.Errorf("stop %q: %w", a.Metadata().AgentID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}
