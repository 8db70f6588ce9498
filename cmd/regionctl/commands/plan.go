package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/regionctl/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		regionNames []string
		overrides   []string
		destroy     bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the changes a rollout would make",
		Long: `Resolve parameters and plan each region without submitting anything for
approval. Planning reads state without taking the workspace lock and never
creates workspace records.

A region that fails to resolve, plan or pass policy is reported and the
remaining regions are still planned.`,
		Example: `  # Preview every region
  regionctl plan

  # Preview a destroy of one region as JSON
  regionctl plan --regions eu-central-1 --destroy --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			regions, err := a.targetRegions(regionNames)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, region := range regions {
				cs, err := a.previewRegion(cmd.Context(), region, parsed, destroy)
				if err != nil {
					failed++
					log.Error().Err(err).Str("region", string(region)).Msg("Plan failed")
					continue
				}
				if err := printChangeSet(out, cs); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("plan failed for %d of %d regions", failed, len(regions))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&regionNames, "regions", "r", nil, "regions to plan (default: every region with a values document)")
	cmd.Flags().StringArrayVar(&overrides, "set", nil, "run-time override key=value applied to every region (repeatable)")
	cmd.Flags().BoolVar(&destroy, "destroy", false, "plan the removal of every resource")

	return cmd
}

// previewRegion plans a region against its current state. Regions without a
// workspace are planned against an empty partition.
func (a *app) previewRegion(ctx context.Context, region engine.Region, overrides map[string]string, destroy bool) (*engine.ChangeSet, error) {
	secrets, err := a.secrets.Secrets(ctx, region)
	if err != nil {
		return nil, err
	}
	for k, v := range overrides {
		secrets[k] = v
	}

	params, err := a.resolver.Resolve(ctx, region, secrets)
	if err != nil {
		return nil, err
	}

	ws, err := a.registry.Get(ctx, region)
	if engine.CodeOf(err) == engine.ErrCodeNotFound {
		ws = &engine.Workspace{
			Region:       region,
			PartitionKey: a.registry.PartitionKey(region),
			Status:       engine.StatusAbsent,
		}
	} else if err != nil {
		return nil, err
	}

	var cs *engine.ChangeSet
	if destroy {
		cs, err = a.planner.PlanDestroy(ctx, ws, params)
	} else {
		cs, err = a.planner.Plan(ctx, ws, params)
	}
	if err != nil {
		return nil, err
	}
	// A preview is never submitted.
	cs.Discard()
	return cs, nil
}
