package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints task counts per status as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(cmd.Context()); cerr != nil {
					e.logger.Warn("failed to close application", zap.Error(cerr))
				}
			}()

			stats, err := a.Store().Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Pending    int64 `json:"pending"`
				InProgress int64 `json:"in_progress"`
				Retry      int64 `json:"retry"`
				Completed  int64 `json:"completed"`
				Failed     int64 `json:"failed"`
				Total      int64 `json:"total"`
				Remaining  int64 `json:"remaining"`
			}{stats.Pending, stats.InProgress, stats.Retry, stats.Completed, stats.Failed, stats.Total, stats.Remaining()})
		},
	}
}
