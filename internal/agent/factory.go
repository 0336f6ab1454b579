package agent

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

// Def is the configuration block an agent is constructed from.
type Def struct {
	ID        string         `yaml:"id"`
	Role      string         `yaml:"role"`
	Enabled   *bool          `yaml:"enabled,omitempty"` // nil means enabled
	Heartbeat string         `yaml:"heartbeat,omitempty"`
	Settings  map[string]any `yaml:"settings,omitempty"`
}

// IsEnabled reports whether the definition is enabled (the default).
func (d Def) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// GetString reads a string setting with a fallback.
func (d Def) GetString(key, def string) string {
	if v, ok := d.Settings[key].(string); ok {
		return v
	}
	return def
}

// GetInt reads an integer setting with a fallback. YAML decodes
// integers as int, so only that case is handled.
func (d Def) GetInt(key string, def int) int {
	if v, ok := d.Settings[key].(int); ok {
		return v
	}
	return def
}

// Factory builds an agent for a role from its definition.
type Factory func(def Def, b *bus.Bus, log *slog.Logger) (Agent, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a role constructible from configuration.
// Concrete agent packages call this from init.
func RegisterFactory(role string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[role] = f
}

// Create builds an agent from its definition using the registered
// factory for its role.
func Create(def Def, b *bus.Bus, log *slog.Logger) (Agent, error) {
	factoriesMu.RLock()
	f, ok := factories[def.Role]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown agent role: %q", def.Role)
	}
	return f(def, b, log)
}

// Roles returns the registered role names.
func Roles() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	out := make([]string, 0, len(factories))
	for role := range factories {
		out = append(out, role)
	}
	return out
}
