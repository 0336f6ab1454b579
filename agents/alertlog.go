package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
	"github.com/flowgrid-dev/flowgrid/pkg/logging"
)

const alertHistoryLimit = 500

func init() {
	agent.RegisterFactory("alert_logger", NewAlertLogger)
}

// AlertLogger records alerts published on the bus and serves them back
// on request. It subscribes to the signal alert topic, so scorer
// agents do not need to know who consumes their alerts.
type AlertLogger struct {
	*agent.Shell
	log *slog.Logger

	mu      sync.Mutex
	history []map[string]any
}

// NewAlertLogger builds an alert logger from its definition.
func NewAlertLogger(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	a := &AlertLogger{log: logging.Component(log, "agent").With("agent_id", def.ID)}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "Alert Logger",
		Description: "Records and serves alert history",
		Category:    "alerts",
		Capabilities: []agent.Capability{
			{Name: "send_alert", Description: "Record an alert",
				Parameters: map[string]string{"message": "string", "severity": "string, default info"}},
			{Name: "get_alert_history", Description: "Return recorded alerts, newest first",
				Parameters: map[string]string{"limit": "int, default 50"}},
		},
		SubscribesTo: []string{SignalAlertsTopic},
		Enabled:      def.IsEnabled(),
		Version:      "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"send_alert":        a.sendAlert,
		"get_alert_history": a.getAlertHistory,
	}

	opts, err := shellOptions(def)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		agent.WithShellLogger(log),
		agent.WithEventHandler(a.onAlert),
	)

	shell, err := agent.NewShell(meta, b, handlers, opts...)
	if err != nil {
		return nil, err
	}
	a.Shell = shell
	return a, nil
}

func (a *AlertLogger) sendAlert(ctx context.Context, params map[string]any) (map[string]any, error) {
	message, err := paramString(params, "message")
	if err != nil {
		return nil, err
	}
	severity := "info"
	if s, ok := params["severity"].(string); ok && s != "" {
		severity = s
	}

	a.record(map[string]any{
		"message":   message,
		"severity":  severity,
		"source":    "request",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	a.log.Info("alert recorded", "severity", severity, "message", message)
	return map[string]any{"recorded": true}, nil
}

func (a *AlertLogger) getAlertHistory(ctx context.Context, params map[string]any) (map[string]any, error) {
	limit := paramInt(params, "limit", 50)

	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.history)
	if limit > n {
		limit = n
	}
	out := make([]any, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.history[i])
	}
	return map[string]any{"alerts": out, "total": n}, nil
}

// onAlert records alerts arriving as bus events.
func (a *AlertLogger) onAlert(ctx context.Context, msg *bus.Message) {
	if msg.Type != bus.TypeAlert {
		return
	}
	entry := map[string]any{
		"topic":     msg.Topic,
		"from":      msg.FromAgent,
		"data":      msg.Data,
		"source":    "bus",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	a.record(entry)
	a.log.Info("alert received", "topic", msg.Topic, "from", msg.FromAgent)
}

func (a *AlertLogger) record(entry map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, entry)
	if len(a.history) > alertHistoryLimit {
		a.history = a.history[len(a.history)-alertHistoryLimit:]
	}
}
