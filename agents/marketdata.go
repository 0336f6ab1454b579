package agents

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

// MarketDataUpdatesTopic carries price and quote update events.
const MarketDataUpdatesTopic = "market_data_updates"

func init() {
	agent.RegisterFactory("market_data", NewMarketData)
}

// MarketData serves price, quote, and history requests from a
// deterministic synthetic feed. Prices follow a per-symbol random walk
// seeded by the symbol name, so repeated runs are reproducible without
// a network dependency.
type MarketData struct {
	*agent.Shell
}

// NewMarketData builds a market data agent from its definition.
func NewMarketData(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	m := &MarketData{}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "Market Data",
		Description: "Serves prices, quotes, and price history",
		Category:    "data",
		Capabilities: []agent.Capability{
			{Name: "fetch_price", Description: "Fetch the current price for a symbol",
				Parameters: map[string]string{"symbol": "string"}},
			{Name: "fetch_quote", Description: "Fetch a full quote with bid/ask and volume",
				Parameters: map[string]string{"symbol": "string"}},
			{Name: "get_history", Description: "Fetch daily closing prices",
				Parameters: map[string]string{"symbol": "string", "days": "int, default 90"}},
		},
		PublishesTo: []string{MarketDataUpdatesTopic},
		Enabled:     def.IsEnabled(),
		Version:     "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"fetch_price": m.fetchPrice,
		"fetch_quote": m.fetchQuote,
		"get_history": m.getHistory,
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

func (m *MarketData) fetchPrice(ctx context.Context, params map[string]any) (map[string]any, error) {
	symbol, err := paramString(params, "symbol")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)

	price := syntheticSeries(symbol, 1)[0]
	m.PublishEvent(ctx, MarketDataUpdatesTopic, map[string]any{
		"type": "price_update", "symbol": symbol, "price": price,
	})

	return map[string]any{
		"symbol":    symbol,
		"price":     price,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"source":    "synthetic",
	}, nil
}

func (m *MarketData) fetchQuote(ctx context.Context, params map[string]any) (map[string]any, error) {
	symbol, err := paramString(params, "symbol")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)

	price := syntheticSeries(symbol, 1)[0]
	spread := price * 0.0005
	quote := map[string]any{
		"symbol":    symbol,
		"price":     price,
		"bid":       round2(price - spread),
		"ask":       round2(price + spread),
		"volume":    int64(seedFor(symbol)%900_000 + 100_000),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"source":    "synthetic",
	}

	m.PublishEvent(ctx, MarketDataUpdatesTopic, map[string]any{
		"type": "quote_update", "symbol": symbol, "quote": quote,
	})
	return quote, nil
}

func (m *MarketData) getHistory(ctx context.Context, params map[string]any) (map[string]any, error) {
	symbol, err := paramString(params, "symbol")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)

	days := paramInt(params, "days", 90)
	if days < 1 || days > 3650 {
		days = 90
	}

	series := syntheticSeries(symbol, days)
	prices := make([]any, len(series))
	for i, p := range series {
		prices[i] = p
	}

	return map[string]any{
		"symbol": symbol,
		"days":   days,
		"prices": prices,
	}, nil
}

// seedFor derives a stable per-symbol seed.
func seedFor(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return h.Sum64()
}

// syntheticSeries produces n daily closes ending at today, oldest
// first. The walk is a bounded sinusoid plus hash noise around a
// per-symbol base price.
func syntheticSeries(symbol string, n int) []float64 {
	seed := seedFor(symbol)
	base := 20 + float64(seed%4000)/10 // 20.0 .. 419.9

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		day := i - n + 1 // ...,-1,0 with 0 = today
		cycle := math.Sin(float64(day)/9.0) * base * 0.03
		noise := (float64((seed>>uint(-day%32))&0xff)/255 - 0.5) * base * 0.01
		drift := float64(day) * base * 0.0004
		out[i] = round2(base + cycle + noise + drift)
	}
	return out
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
