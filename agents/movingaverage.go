package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

func init() {
	agent.RegisterFactory("moving_average", NewMovingAverage)
}

// MovingAverage computes simple and exponential moving averages over a
// supplied price series and detects crossovers between a fast and a
// slow average.
type MovingAverage struct {
	*agent.Shell
}

// NewMovingAverage builds a moving average agent from its definition.
func NewMovingAverage(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	m := &MovingAverage{}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "Moving Average Calculator",
		Description: "SMA/EMA calculation and crossover detection",
		Category:    "technical",
		Capabilities: []agent.Capability{
			{Name: "calculate_sma", Description: "Simple moving average over a price series",
				Parameters: map[string]string{"prices": "number[]", "period": "int, default 20"}},
			{Name: "calculate_ema", Description: "Exponential moving average over a price series",
				Parameters: map[string]string{"prices": "number[]", "period": "int, default 12"}},
			{Name: "detect_crossover", Description: "Detect fast/slow moving average crossover",
				Parameters: map[string]string{"prices": "number[]", "fast_period": "int, default 50", "slow_period": "int, default 200"}},
		},
		Enabled: def.IsEnabled(),
		Version: "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"calculate_sma":    m.calculateSMA,
		"calculate_ema":    m.calculateEMA,
		"detect_crossover": m.detectCrossover,
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
	m.Shell = shell
	return m, nil
}

func (m *MovingAverage) calculateSMA(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	period := paramInt(params, "period", 20)
	if len(prices) < period {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", period, len(prices))
	}

	value := sma(prices, period)
	current := prices[len(prices)-1]
	return map[string]any{
		"sma":         round2(value),
		"period":      period,
		"price":       current,
		"above":       current > value,
		"distance":    round2(current - value),
		"distance_pc": round2((current - value) / value * 100),
	}, nil
}

func (m *MovingAverage) calculateEMA(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	period := paramInt(params, "period", 12)
	if len(prices) < period {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", period, len(prices))
	}

	value := ema(prices, period)
	current := prices[len(prices)-1]
	return map[string]any{
		"ema":    round2(value),
		"period": period,
		"price":  current,
		"above":  current > value,
	}, nil
}

func (m *MovingAverage) detectCrossover(ctx context.Context, params map[string]any) (map[string]any, error) {
	prices, err := paramFloats(params, "prices")
	if err != nil {
		return nil, err
	}
	fast := paramInt(params, "fast_period", 50)
	slow := paramInt(params, "slow_period", 200)
	if fast >= slow {
		return nil, fmt.Errorf("fast_period %d must be less than slow_period %d", fast, slow)
	}
	if len(prices) < slow+1 {
		return nil, fmt.Errorf("insufficient data: need %d prices, got %d", slow+1, len(prices))
	}

	fastNow := sma(prices, fast)
	slowNow := sma(prices, slow)
	prev := prices[:len(prices)-1]
	fastPrev := sma(prev, fast)
	slowPrev := sma(prev, slow)

	crossover := ""
	if fastPrev <= slowPrev && fastNow > slowNow {
		crossover = "bullish"
	} else if fastPrev >= slowPrev && fastNow < slowNow {
		crossover = "bearish"
	}

	return map[string]any{
		"fast_ma":     round2(fastNow),
		"slow_ma":     round2(slowNow),
		"fast_period": fast,
		"slow_period": slow,
		"crossover":   crossover,
		"detected":    crossover != "",
		// 50/200 crossovers get the classic names.
		"golden_cross": crossover == "bullish" && fast == 50 && slow == 200,
		"death_cross":  crossover == "bearish" && fast == 50 && slow == 200,
	}, nil
}

// sma averages the trailing period values.
func sma(prices []float64, period int) float64 {
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// ema seeds with the SMA of the first period values and folds the rest
// with the standard 2/(period+1) smoothing factor.
func ema(prices []float64, period int) float64 {
	k := 2.0 / float64(period+1)
	value := sma(prices[:period], period)
	for _, p := range prices[period:] {
		value = p*k + value*(1-k)
	}
	return value
}
