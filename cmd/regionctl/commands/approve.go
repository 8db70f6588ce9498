package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/regionctl/pkg/api"
	"github.com/openfroyo/regionctl/pkg/engine"
)

// envAPIToken holds the API bearer token when --token is not given.
const envAPIToken = "REGIONCTL_API_TOKEN"

// serverURL and apiToken are set by --server and --token on commands that
// talk to a running API.
var (
	serverURL string
	apiToken  string
)

// apiClient returns a client for --server or the configured server URL. The
// token is --token, then $REGIONCTL_API_TOKEN, then the server.tokens entry
// whose actor is $USER.
func apiClient(ctx context.Context) (*api.Client, error) {
	url, token := serverURL, apiToken
	if token == "" {
		token = os.Getenv(envAPIToken)
	}
	if url == "" || token == "" {
		cfg, _, err := loadConfig(ctx)
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = cfg.Server.URL
		}
		if token == "" {
			token = cfg.Server.TokenFor(os.Getenv("USER"))
		}
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: use --token, $%s or a server.tokens entry for $USER", envAPIToken)
	}
	return api.NewClient(url, nil).WithToken(token), nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "", "API server URL (default: server.url)")
	cmd.Flags().StringVar(&apiToken, "token", "", "API bearer token (default: $"+envAPIToken+")")
}

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List change sets awaiting approval",
		Long: `List the change sets a running rollout or destroy is waiting on.

Pending approvals live in the process running the rollout, so this command
queries its API server.`,
		Example: `  regionctl approvals
  regionctl approvals --server http://10.0.0.5:8470`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := c.Pending(cmd.Context())
			if err != nil {
				return err
			}
			return printPending(cmd.OutOrStdout(), pending)
		},
	}

	addClientFlags(cmd)
	return cmd
}

func newApproveCommand() *cobra.Command {
	var (
		actor   string
		reject  bool
		comment string
	)

	cmd := &cobra.Command{
		Use:   "approve <pending-id>",
		Short: "Approve or reject a pending change set",
		Long: `Record a decision on a pending change set.

The decision is recorded under the actor the API token belongs to. That actor
must be listed in approval.approvers for the region (or "*"), and system
actors are never accepted. --actor only asserts the expected identity; the
server refuses the decision when it differs from the token's actor.

An approval applies only to the exact change set it was given for and is
used by at most one apply; a region whose state moved on is re-planned.`,
		Example: `  # Approve
  regionctl approve 6f1c2a... --token $ALICE_TOKEN

  # Reject with a reason
  regionctl approve 6f1c2a... --actor alice --reject --comment "wrong instance type"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := engine.DecisionApproved
			if reject {
				decision = engine.DecisionRejected
			}

			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := c.Decide(cmd.Context(), args[0], api.DecisionRequest{
				Actor:    actor,
				Decision: decision,
				Comment:  comment,
			})
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "expected approving identity (default: the token's actor)")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "decision comment")
	addClientFlags(cmd)

	return cmd
}
