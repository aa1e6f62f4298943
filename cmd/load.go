package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/campaign"
)

func newLoadCmd() *cobra.Command {
	var (
		hierarchyFile string
		resume        bool
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Expands a campaign hierarchy into queued tasks",
		Long: `Parses the hierarchy file and inserts one task per station and corporation.
A campaign that already has tasks is skipped unless --resume is given, in which
case only missing locations are inserted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if hierarchyFile == "" {
				hierarchyFile = e.cfg.Campaign.HierarchyFile
			}
			if hierarchyFile == "" {
				return errors.New("--hierarchy or campaign.hierarchy_file is required")
			}
			h, err := campaign.ParseFile(hierarchyFile)
			if err != nil {
				return fmt.Errorf("parse hierarchy: %w", err)
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

			var (
				inserted int64
				skipped  bool
			)
			if resume {
				inserted, err = a.Loader().Resume(cmd.Context(), h)
			} else {
				inserted, skipped, err = a.Loader().Load(cmd.Context(), h)
			}
			if err != nil {
				return err
			}
			if skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "campaign %s already loaded; use --resume to add missing tasks\n", h.Campaign)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %s: %d tasks inserted\n", h.Campaign, inserted)
			return nil
		},
	}
	cmd.Flags().StringVar(&hierarchyFile, "hierarchy", "", "hierarchy file (default campaign.hierarchy_file)")
	cmd.Flags().BoolVar(&resume, "resume", false, "insert only tasks missing from an already loaded campaign")
	return cmd
}
