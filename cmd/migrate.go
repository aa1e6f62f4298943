package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/e14-scraper/internal/taskstore/postgres"
)

func newMigrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres task schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires the postgres driver, got %q", e.cfg.Database.Driver)
			}
			if status {
				version, dirty, err := postgres.MigrationStatus(e.cfg.Database.DSN, e.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			}
			if err := postgres.Migrate(e.cfg.Database.DSN, e.logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print the current schema version instead of migrating")
	return cmd
}
