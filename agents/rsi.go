package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

func init() {
	agent.RegisterFactory("rsi", NewRSI)
}

// RSI computes the relative strength index over a supplied price
// series and classifies oversold and overbought conditions.
type RSI struct {
	*agent.Shell
}

// NewRSI builds an RSI agent from its definition.
func NewRSI(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	r := &RSI{}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "RSI Analyzer",
		Description: "Relative strength index and extreme-condition detection",
		Category:    "technical",
		Capabilities: []agent.Capability{
			{Name: "calculate_rsi", Description: "RSI for a price series",
				Parameters: map[string]string{"prices": "number[]", "period": "int, default 14"}},
			{Name: "identify_condition", Description: "Classify oversold/overbought/neutral",
				Parameters: map[string]string{
					"prices":               "number[]",
					"period":               "int, default 14",
					"oversold_threshold":   "number, default 30",
					"overbought_threshold": "number, default 70",
				}},
		},
		Enabled: def.IsEnabled(),
		Version: "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"calculate_rsi":      r.calculateRSI,
		"identify_condition": r.identifyCondition,
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
	r.Shell = shell
	return r, nil
}

func (r *RSI) calculateRSI(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	period := paramInt(params, "period", 14)
	if period < 2 {
		return nil, fmt.Errorf("period must be at least 2, got %d", period)
	}
	if len(prices) < period+1 {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", period+1, len(prices))
	}

	value := computeRSI(prices, period)
	return map[string]any{
		"rsi":    round2(value),
		"period": period,
	}, nil
}

func (r *RSI) identifyCondition(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	period := paramInt(params, "period", 14)
	oversold := paramFloat(params, "oversold_threshold", 30)
	overbought := paramFloat(params, "overbought_threshold", 70)
	if len(prices) < period+1 {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", period+1, len(prices))
	}

	value := computeRSI(prices, period)
	condition := "neutral"
	switch {
	case value < oversold:
		condition = "oversold"
	case value > overbought:
		condition = "overbought"
	}

	return map[string]any{
		"rsi":       round2(value),
		"period":    period,
		"condition": condition,
		"thresholds": map[string]any{
			"oversold":   oversold,
			"overbought": overbought,
		},
	}, nil
}

// computeRSI uses Wilder's smoothing: the first period changes seed the
// average gain/loss, later changes fold in with weight 1/period.
func computeRSI(prices []float64, period int) float64 {
	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if change > 0 {
			g = change
		} else {
			l = -change
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
