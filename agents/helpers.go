// Package agents holds the built-in agent implementations. Each file
// registers its role with the agent factory in init, so importing this
// package makes every built-in role constructible from configuration.
package agents

import (
	"fmt"
	"time"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
)

// paramString reads a required string parameter.
func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %s must be a non-empty string", key)
	}
	return s, nil
}

// paramInt reads an optional integer parameter with a default. JSON
// decoding yields float64, YAML yields int; both are accepted.
func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// paramFloat reads an optional float parameter with a default.
func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// paramFloats reads a required numeric slice parameter. Slices arrive
// as []any after crossing the bus.
func paramFloats(params map[string]any, key string) ([]float64, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}

	switch v := raw.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, item := range v {
			switch n := item.(type) {
			case float64:
				out[i] = n
			case int:
				out[i] = float64(n)
			case int64:
				out[i] = float64(n)
			default:
				return nil, fmt.Errorf("parameter %s: element %d is not numeric", key, i)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %s must be a numeric array", key)
	}
}

// shellOptions derives common shell options from an agent definition.
func shellOptions(def agent.Def) ([]agent.ShellOption, error) {
	var opts []agent.ShellOption
	if def.Heartbeat != "" {
		every, err := time.ParseDuration(def.Heartbeat)
		if err != nil {
			return nil, fmt.Errorf("agent %q: invalid heartbeat %q: %w", def.ID, def.Heartbeat, err)
		}
		opts = append(opts, agent.WithHeartbeat(every))
	}
	return opts, nil
}
