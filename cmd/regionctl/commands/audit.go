package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Long: `List recorded approval decisions and apply or destroy attempts, newest
first.`,
		Example: `  # Last 20 entries
  regionctl audit

  # Decisions by one actor
  regionctl audit --actor alice --action approval.approved`,
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

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if actor != "" {
				actorFilter = &actor
			}

			entries, err := store.ListAuditEntries(cmd.Context(), actionFilter, actorFilter, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, entries)
			}

			headerColor.Fprintf(out, "%-20s %-18s %-16s %-16s %s\n", "TIME", "ACTION", "ACTOR", "TARGET", "DETAILS")
			for _, e := range entries {
				target, details := "-", ""
				if e.Target != nil {
					target = *e.Target
				}
				if e.Details != nil {
					details = *e.Details
				}
				fmt.Fprintf(out, "%-20s %-18s %-16s %-16s %s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, target, details)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")

	return cmd
}
