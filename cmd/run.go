package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/app"
)

func newRunCmd() *cobra.Command {
	var (
		opts         app.RunOptions
		untilDrained bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the worker pool against the task queue",
		Long: `Starts the configured number of workers, the queue monitor and the stale-task
sweeper, and serves /healthz, /readyz, /metrics and /v1/stats when the ops server
is enabled. Stops on SIGINT/SIGTERM after in-flight attempts finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if untilDrained {
				cfg.Orchestrator.ExitWhenDrained = true
			}
			a, err := buildApp(cmd.Context(), cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := a.Run(cmd.Context(), opts); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run workers: %w", err)
			}
			e.logger.Info("run command finished", zap.Bool("until_drained", cfg.Orchestrator.ExitWhenDrained))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of workers (default worker.count)")
	cmd.Flags().BoolVar(&opts.LoadTasks, "load-tasks", false, "load the campaign hierarchy before starting")
	cmd.Flags().StringVar(&opts.HierarchyFile, "hierarchy", "", "hierarchy file (default campaign.hierarchy_file)")
	cmd.Flags().BoolVar(&untilDrained, "until-drained", false, "exit once every task is completed or failed")
	return cmd
}
