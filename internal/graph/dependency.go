// Package graph validates agent dependency declarations and computes a
// startup order that satisfies them.
package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCycleDetected is returned when agent dependencies form a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when an agent depends on an
	// agent id that is not registered.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// DependencyGraph holds agent ids and their declared dependencies.
type DependencyGraph struct {
	deps map[string][]string
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{deps: make(map[string][]string)}
}

// Add records an agent and the agent ids it depends on.
func (g *DependencyGraph) Add(agentID string, dependencies []string) {
	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	g.deps[agentID] = deps
}

// Validate checks for unknown dependencies and cycles.
func (g *DependencyGraph) Validate() error {
	for id, deps := range g.deps {
		for _, dep := range deps {
			if _, ok := g.deps[dep]; !ok {
				return fmt.Errorf("%w: agent %q depends on unregistered agent %q", ErrUnknownDependency, id, dep)
			}
		}
	}

	// DFS coloring: 0 unvisited, 1 visiting, 2 done.
	colors := make(map[string]int, len(g.deps))
	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case 1:
			return fmt.Errorf("%w: involving agent %q", ErrCycleDetected, id)
		case 2:
			return nil
		}
		colors[id] = 1
		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = 2
		return nil
	}

	for id := range g.deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// StartOrder returns agent ids in an order where every agent appears
// after all of its dependencies. Ties break alphabetically so the
// order is deterministic.
func (g *DependencyGraph) StartOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.deps))
	dependents := make(map[string][]string)
	for id, deps := range g.deps {
		inDegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	order := make([]string, 0, len(g.deps))
	for len(inDegree) > 0 {
		var ready []string
		for id, n := range inDegree {
			if n == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, ErrCycleDetected
		}
		sort.Strings(ready)
		for _, id := range ready {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
		}
		order = append(order, ready...)
	}
	return order, nil
}
