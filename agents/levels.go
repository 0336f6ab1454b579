package agents

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

func init() {
	agent.RegisterFactory("support_resistance", NewLevels)
}

// Levels identifies support and resistance levels from local extrema
// in a price series.
type Levels struct {
	*agent.Shell
}

// NewLevels builds a support/resistance agent from its definition.
func NewLevels(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	l := &Levels{}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "Support/Resistance Identifier",
		Description: "Price level detection from local extrema",
		Category:    "technical",
		Capabilities: []agent.Capability{
			{Name: "identify_levels", Description: "Support and resistance levels for a price series",
				Parameters: map[string]string{"prices": "number[]", "window": "int, default 5", "max_levels": "int, default 3"}},
			{Name: "calculate_proximity", Description: "Distance from current price to nearest levels",
				Parameters: map[string]string{"prices": "number[]", "window": "int, default 5"}},
		},
		Enabled: def.IsEnabled(),
		Version: "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"identify_levels":     l.identifyLevels,
		"calculate_proximity": l.calculateProximity,
	}

	opts, err := shellOptions(def)
	if err != nil {
		return nil, err
	}
	opts = append(opts, agent.WithShellLogger(log))

	shell, err := agent.NewShell(meta, b, handlers, opts...)
	if err != nil {
		return nil, err
	}
	l.Shell = shell
	return l, nil
}

func (l *Levels) identifyLevels(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	window := paramInt(params, "window", 5)
	maxLevels := paramInt(params, "max_levels", 3)
	if len(prices) < window*2+1 {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", window*2+1, len(prices))
	}

	current := prices[len(prices)-1]
	support, resistance := findLevels(prices, window, current)
	if len(support) > maxLevels {
		support = support[:maxLevels]
	}
	if len(resistance) > maxLevels {
		resistance = resistance[:maxLevels]
	}

	return map[string]any{
		"price":      current,
		"support":    toAnySlice(support),
		"resistance": toAnySlice(resistance),
	}, nil
}

func (l *Levels) calculateProximity(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	window := paramInt(params, "window", 5)
	if len(prices) < window*2+1 {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", window*2+1, len(prices))
	}

	current := prices[len(prices)-1]
	support, resistance := findLevels(prices, window, current)

	out := map[string]any{"price": current}
	if len(support) > 0 {
		out["nearest_support"] = support[0]
		out["support_distance_pc"] = round2((current - support[0]) / current * 100)
	}
	if len(resistance) > 0 {
		out["nearest_resistance"] = resistance[0]
		out["resistance_distance_pc"] = round2((resistance[0] - current) / current * 100)
	}
	return out, nil
}

// findLevels collects local minima below the current price (support,
// nearest first) and local maxima above it (resistance, nearest first).
// Levels within 0.5% of each other are merged.
func findLevels(prices []float64, window int, current float64) (support, resistance []float64) {
	for i := window; i < len(prices)-window; i++ {
		isMin, isMax := true, true
		for j := i - window; j <= i+window; j++ {
			if prices[j] < prices[i] {
				isMin = false
			}
			if prices[j] > prices[i] {
				isMax = false
			}
		}
		level := round2(prices[i])
		if isMin && level < current {
			support = appendLevel(support, level)
		}
		if isMax && level > current {
			resistance = appendLevel(resistance, level)
		}
	}

	sort.Slice(support, func(i, j int) bool { return support[i] > support[j] })
	sort.Slice(resistance, func(i, j int) bool { return resistance[i] < resistance[j] })
	return support, resistance
}

func appendLevel(levels []float64, level float64) []float64 {
	for _, existing := range levels {
		if math.Abs(existing-level)/existing < 0.005 {
			return levels
		}
	}
	return append(levels, level)
}

func toAnySlice(vals []float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
