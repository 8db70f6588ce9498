package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Long: `Bring the SQLite database holding workspaces, approvals and the audit
trail up to the current schema. Every other command migrates on start; this
command does only that.`,
		Example: `  regionctl migrate --config ./regionctl.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(cmd.Context()); err != nil {
				return fmt.Errorf("database health check failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Database schema is up to date: %s\n", successColor.Sprint("✓"), cfg.Database.Path)
			return nil
		},
	}

	return cmd
}
