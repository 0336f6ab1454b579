// Command flowgrid runs the coordination substrate and provides
// inspection subcommands for agents and workflows.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowgrid-dev/flowgrid"
	_ "github.com/flowgrid-dev/flowgrid/agents"
	"github.com/flowgrid-dev/flowgrid/pkg/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "flowgrid",
		Short:         "Multi-agent workflow coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "flowgrid.yaml", "path to configuration file")

	root.AddCommand(
		serveCmd(),
		agentCmd(),
		workflowCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildSystem() (*flowgrid.System, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return flowgrid.New(cfg)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the system until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			return sys.Run(cmd.Context())
		},
	}
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect configured agents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			defer sys.Store.Close()

			for _, a := range sys.Registry.All() {
				meta := a.Metadata()
				caps := make([]string, len(meta.Capabilities))
				for i, c := range meta.Capabilities {
					caps[i] = c.Name
				}
				fmt.Printf("%-24s %-12s enabled=%-5v %s\n",
					meta.AgentID, meta.Category, meta.Enabled, strings.Join(caps, ","))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info <agent-id>",
		Short: "Show an agent's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			defer sys.Store.Close()

			a, err := sys.Registry.Lookup(args[0])
			if err != nil {
				return err
			}
			return printJSON(a.Metadata())
		},
	})

	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and run workflows",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			defer sys.Store.Close()

			for _, wf := range sys.Scheduler.Workflows() {
				fmt.Printf("%-32s steps=%-3d %s\n", wf.Name, len(wf.Steps), wf.Description)
			}
			return nil
		},
	})

	var params []string
	var runTimeout time.Duration
	run := &cobra.Command{
		Use:   "run <workflow-name>",
		Short: "Execute a workflow and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()

			if err := sys.Registry.StartAll(ctx); err != nil {
				return err
			}
			defer sys.Stop(context.Background())

			for _, wf := range sys.Scheduler.Workflows() {
				if wf.Name != args[0] {
					continue
				}
				input, err := parseParams(params)
				if err != nil {
					return err
				}
				exec, err := sys.Orchestrator.Execute(ctx, wf, input)
				if err != nil {
					return err
				}
				return printJSON(exec)
			}
			return fmt.Errorf("workflow %q not found", args[0])
		},
	}
	run.Flags().StringArrayVarP(&params, "param", "p", nil, "workflow input as key=value (repeatable)")
	run.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "overall execution timeout")
	cmd.AddCommand(run)

	var limit int
	history := &cobra.Command{
		Use:   "history [workflow-name]",
		Short: "Show recent executions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			defer sys.Store.Close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			execs, err := sys.Store.GetHistory(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			for _, e := range execs {
				fmt.Printf("%s  %-32s %-10s %s\n",
					e.ID, e.WorkflowName, e.Status, e.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "maximum executions to show")
	cmd.AddCommand(history)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats <workflow-name>",
		Short: "Show execution statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			defer sys.Store.Close()

			stats, err := sys.Store.GetStatistics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	})

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured agents and workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem()
			if err != nil {
				return err
			}
			defer sys.Store.Close()

			fmt.Printf("agents:     %d (%s)\n",
				sys.Registry.Count(), strings.Join(sys.Registry.Categories(), ", "))
			fmt.Printf("workflows:  %d\n", len(sys.Scheduler.Workflows()))
			return printJSON(sys.Scheduler.GetStatus())
		},
	}
}

// parseParams turns repeated key=value flags into a workflow input map.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
