package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

// SignalAlertsTopic carries actionable trade signals.
const SignalAlertsTopic = "signal_alerts"

func init() {
	agent.RegisterFactory("signal_scorer", NewSignalScorer)
}

// SignalScorer combines the technical analysis results of upstream
// steps into a 0..100 confidence score and an action recommendation.
type SignalScorer struct {
	*agent.Shell
}

// NewSignalScorer builds a signal scorer from its definition.
func NewSignalScorer(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	s := &SignalScorer{}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "Signal Scorer",
		Description: "Confidence scoring and position sizing from technical inputs",
		Category:    "signals",
		Capabilities: []agent.Capability{
			{Name: "generate_signal", Description: "Score combined technical inputs into an action",
				Parameters: map[string]string{
					"symbol": "string",
					"ma":     "object: moving average / crossover result",
					"rsi":    "object: RSI condition result",
					"levels": "object: support/resistance proximity result",
				}},
			{Name: "calculate_position_size", Description: "Position size for a confidence score",
				Parameters: map[string]string{
					"confidence":   "number 0..100",
					"risk_profile": "string: moderate or aggressive, default moderate",
				}},
		},
		PublishesTo: []string{SignalAlertsTopic},
		Enabled:     def.IsEnabled(),
		Version:     "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"generate_signal":         s.generateSignal,
		"calculate_position_size": s.calculatePositionSize,
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
	s.Shell = shell
	return s, nil
}

func (s *SignalScorer) generateSignal(ctx context.Context, params map[string]any) (map[string]any, error) {
	symbol, err := paramString(params, "symbol")
	if err != nil {
		return nil, err
	}

	score := 0.0
	var reasons []string

	// Trend: price above the moving average and bullish crossovers.
	if ma, ok := params["ma"].(map[string]any); ok {
		if above, _ := ma["above"].(bool); above {
			score += 20
			reasons = append(reasons, "price above moving average")
		}
		if golden, _ := ma["golden_cross"].(bool); golden {
			score += 20
			reasons = append(reasons, "golden cross")
		} else if crossover, _ := ma["crossover"].(string); crossover == "bullish" {
			score += 15
			reasons = append(reasons, "bullish crossover")
		} else if crossover == "bearish" {
			score -= 15
			reasons = append(reasons, "bearish crossover")
		}
	}

	// Momentum: oversold favors entry, overbought argues against it.
	if rsi, ok := params["rsi"].(map[string]any); ok {
		switch condition, _ := rsi["condition"].(string); condition {
		case "oversold":
			score += 30
			reasons = append(reasons, "RSI oversold")
		case "neutral":
			score += 15
			reasons = append(reasons, "RSI neutral")
		case "overbought":
			reasons = append(reasons, "RSI overbought")
		}
	}

	// Structure: room to the next resistance, support close underneath.
	if levels, ok := params["levels"].(map[string]any); ok {
		supportDist := paramFloat(levels, "support_distance_pc", -1)
		resistDist := paramFloat(levels, "resistance_distance_pc", -1)
		if supportDist >= 0 && supportDist < 3 {
			score += 15
			reasons = append(reasons, "near support")
		}
		if resistDist > 5 {
			score += 15
			reasons = append(reasons, "room to resistance")
		} else if resistDist >= 0 && resistDist < 1 {
			score -= 10
			reasons = append(reasons, "at resistance")
		}
	}

	confidence := clamp(score, 0, 100)
	action := determineAction(confidence)

	result := map[string]any{
		"symbol":     symbol,
		"action":     action,
		"confidence": confidence,
		"reasoning":  toAnyStrings(reasons),
	}

	if action == "STRONG_BUY" || action == "STRONG_SELL" {
		s.PublishAlert(ctx, SignalAlertsTopic, map[string]any{
			"symbol":     symbol,
			"action":     action,
			"confidence": confidence,
		})
	}
	return result, nil
}

func (s *SignalScorer) calculatePositionSize(ctx context.Context, params map[string]any) (map[string]any, error) {
	confidence := paramFloat(params, "confidence", -1)
	if confidence < 0 || confidence > 100 {
		return nil, fmt.Errorf("confidence must be between 0 and 100")
	}
	profile := "moderate"
	if p, ok := params["risk_profile"].(string); ok && p != "" {
		profile = p
	}

	var pct float64
	switch profile {
	case "aggressive":
		switch {
		case confidence >= 75:
			pct = 25
		case confidence >= 60:
			pct = 18
		case confidence >= 40:
			pct = 0
		case confidence >= 25:
			pct = -50
		default:
			pct = -100
		}
	case "moderate":
		switch {
		case confidence >= 75:
			pct = 15
		case confidence >= 60:
			pct = 10
		case confidence >= 40:
			pct = 0
		case confidence >= 25:
			pct = -25
		default:
			pct = -100
		}
	default:
		return nil, fmt.Errorf("unknown risk_profile %q", profile)
	}

	return map[string]any{
		"confidence":        confidence,
		"risk_profile":      profile,
		"position_size_pct": pct,
	}, nil
}

// determineAction maps a confidence score to an action label.
func determineAction(confidence float64) string {
	switch {
	case confidence >= 75:
		return "STRONG_BUY"
	case confidence >= 60:
		return "BUY"
	case confidence >= 40:
		return "HOLD"
	case confidence >= 25:
		return "SELL"
	default:
		return "STRONG_SELL"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toAnyStrings(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
