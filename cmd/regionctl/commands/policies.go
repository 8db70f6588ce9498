package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/regionctl/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the change set policies",
		Long: `List the built-in policies and those loaded from approval.policy_dir.

Policies named in approval.disabled_policies are listed as disabled.`,
		Example: `  regionctl policies
  regionctl policies show max-deletions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := loadPolicies(cmd)
			if err != nil {
				return err
			}
			return printPolicies(cmd.OutOrStdout(), pol.ListPolicies())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show one policy and its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := loadPolicies(cmd)
			if err != nil {
				return err
			}
			p, err := pol.GetPolicy(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, p)
			}
			fmt.Fprintf(out, "%s (%s, %s)\n", headerColor.Sprint(p.Name), p.Severity, enabledLabel(p.Enabled))
			if p.Description != "" {
				fmt.Fprintf(out, "%s\n", p.Description)
			}
			fmt.Fprintf(out, "\n%s\n", p.Rego)
			return nil
		},
	})

	return cmd
}

func loadPolicies(cmd *cobra.Command) (*policy.Engine, error) {
	cfg, _, err := loadConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	pol, _, err := newPolicyEngine(cmd.Context(), cfg.Approval, log.Logger, false)
	return pol, err
}

func printPolicies(w io.Writer, policies []policy.Policy) error {
	if jsonOutput {
		return printJSON(w, policies)
	}

	headerColor.Fprintf(w, "%-24s %-8s %-9s %s\n", "NAME", "SEVERITY", "STATE", "DESCRIPTION")
	for _, p := range policies {
		state := successColor
		if !p.Enabled {
			state = warningColor
		}
		fmt.Fprintf(w, "%-24s %-8s %s %s\n", p.Name, p.Severity, state.Sprintf("%-9s", enabledLabel(p.Enabled)), p.Description)
	}
	return nil
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
