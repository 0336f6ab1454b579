// Package agent provides the runtime shell that capability
// implementations plug into, and the registry that catalogs them.
package agent

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAgentNotFound is returned when a lookup misses the catalog.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrCapabilityNotFound is returned when a request names a
	// capability the target agent does not provide.
	ErrCapabilityNotFound = errors.New("capability not found")
)

// Duration wraps time.Duration so YAML configuration can express it
// as a string like "30s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// State is the lifecycle state of an agent shell.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// Status is the operational status reported through Health.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Capability describes one named operation an agent can perform. The
// capability name doubles as the request topic on the bus.
type Capability struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Parameters  map[string]string `yaml:"parameters,omitempty"` // param name -> type description
	Returns     string            `yaml:"returns,omitempty"`
}

// Metadata describes an agent's identity and wiring. It is produced
// once at construction and never changes afterwards.
type Metadata struct {
	AgentID      string       `yaml:"agent_id"`
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Category     string       `yaml:"category"`
	Capabilities []Capability `yaml:"capabilities"`
	SubscribesTo []string     `yaml:"subscribes_to,omitempty"`
	PublishesTo  []string     `yaml:"publishes_to,omitempty"`
	Dependencies []string     `yaml:"dependencies,omitempty"` // agent ids required at startup
	Enabled      bool         `yaml:"enabled"`
	Version      string       `yaml:"version,omitempty"`
}

// Health carries the mutable counters owned by the shell.
type Health struct {
	AgentID           string    `json:"agent_id"`
	Status            Status    `json:"status"`
	MessagesProcessed int64     `json:"messages_processed"`
	Errors            int64     `json:"errors"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}

// Handler implements one capability: structured params in, structured
// result or error out. Handlers are invoked only through the shell's
// dispatch path, never directly by other agents.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Agent is the registry's view of a runnable worker.
type Agent interface {
	Metadata() Metadata
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() Health
}
