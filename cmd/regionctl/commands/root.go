package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool

	// buildVersion is reported to telemetry as the service version.
	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "regionctl",
		Short: "regionctl - multi-region infrastructure rollout orchestrator",
		Long: `regionctl provisions the same infrastructure stack into many cloud regions.

Each region has its own workspace and state partition. A rollout resolves
parameters per region, plans the changes with the configured IaC executor,
checks them against policy, waits for an approval and applies them under a
workspace lock. Regions are processed one at a time and a failure in one
region never stops the next.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: $REGIONCTL_CONFIG, ./regionctl.cue or ./regionctl.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRolloutCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newApprovalsCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
