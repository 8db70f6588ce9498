package commands

import (
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve workspace status and metrics over HTTP",
		Long: `Run the HTTP API without starting a rollout.

The server exposes /healthz, /regions, /regions/{region} and /metrics. The
approval endpoints are served too but only list change sets submitted by this
process; use "regionctl rollout" to serve approvals for a running rollout.

Every route except /healthz and /metrics requires a bearer token from
server.tokens.`,
		Example: `  regionctl serve --listen 0.0.0.0:8470`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.apiServer(listen).Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: server.listen)")
	return cmd
}
