package agents

import (
	"context"
	"log/slog"

	"github.com/flowgrid-dev/flowgrid/internal/agent"
	"github.com/flowgrid-dev/flowgrid/internal/bus"
)

func init() {
	agent.RegisterFactory("echo", NewEcho)
}

// Echo returns whatever it receives. Useful for wiring checks and
// workflow smoke tests.
type Echo struct {
	*agent.Shell
}

// NewEcho builds an echo agent from its definition.
func NewEcho(def agent.Def, b *bus.Bus, log *slog.Logger) (agent.Agent, error) {
	e := &Echo{}

	meta := agent.Metadata{
		AgentID:     def.ID,
		Name:        "Echo",
		Description: "Returns its input parameters unchanged",
		Category:    "utility",
		Capabilities: []agent.Capability{
			{Name: "echo", Description: "Return the request parameters as the result"},
		},
		Enabled: def.IsEnabled(),
		Version: "1.0.0",
	}

	handlers := map[string]agent.Handler{
		"echo": e.echo,
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
	e.Shell = shell
	return e, nil
}

func (e *Echo) echo(ctx context.Context, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}
