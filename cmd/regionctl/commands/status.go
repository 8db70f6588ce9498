package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/regionctl/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [region...]",
		Short: "Show workspace status per region",
		Long: `Show the last known status and state version of each region's workspace.

Without arguments every region that has a workspace is listed.`,
		Example: `  # All regions
  regionctl status

  # One region as JSON
  regionctl status eu-central-1 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			regions := make([]engine.Region, 0, len(args))
			for _, arg := range args {
				regions = append(regions, engine.Region(arg))
			}
			if len(regions) == 0 {
				regions, err = a.registry.List(cmd.Context())
				if err != nil {
					return err
				}
			}

			workspaces := make([]*engine.Workspace, 0, len(regions))
			for _, region := range regions {
				ws, err := a.coordinator.Status(cmd.Context(), region)
				if err != nil {
					return err
				}
				workspaces = append(workspaces, ws)
			}

			return printWorkspaces(cmd.OutOrStdout(), workspaces)
		},
	}

	return cmd
}
