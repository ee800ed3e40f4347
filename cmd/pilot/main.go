// Command pilot runs the arbitration and execution core standalone.
// Without an embedding process it wires scripted collaborators: vitals
// report an unembodied agent, and planned goals are journaled rather than
// decomposed. Real deployments embed internal/agent directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pilot/internal/agent"
	"pilot/internal/config"
	"pilot/internal/logging"
	"pilot/internal/scheduler"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pilot",
		Short:         "Arbitration and execution core for an embodied agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logging.Initialize(cfg.Logging); err != nil {
				return err
			}
			defer logging.Sync()

			a, err := agent.New(cfg, agent.Collaborators{
				Planner: journalPlanner{},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Get(logging.CategoryBoot).Info("pilot running; interrupt to stop")
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pilot.yaml", "path to configuration file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pilot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pilot %s\n", version)
		},
	}
}

// journalPlanner stands in for the LLM planning collaborator when running
// standalone: selected goals are acknowledged and journaled only.
type journalPlanner struct{}

var _ scheduler.Planner = journalPlanner{}

func (journalPlanner) Plan(ctx context.Context, goal scheduler.Goal) error {
	logging.Get(logging.CategoryAgent).Info("goal selected for planning: %s (priority=%d, attempt=%d)",
		goal.Description, goal.Priority, goal.AttemptCount)
	return nil
}
