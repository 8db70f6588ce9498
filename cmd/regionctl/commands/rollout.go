package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/regionctl/pkg/engine"
	"github.com/openfroyo/regionctl/pkg/telemetry"
)

// runFunc is Coordinator.Rollout or Coordinator.DestroyAll.
type runFunc func(ctx context.Context, regions []engine.Region, overrides map[engine.Region]map[string]string) (*engine.RolloutReport, error)

// runFlags are shared by rollout and destroy.
type runFlags struct {
	regions     []string
	overrides   []string
	autoApprove bool
	listen      string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.regions, "regions", "r", nil, "regions to process (default: every region with a values document)")
	cmd.Flags().StringArrayVar(&f.overrides, "set", nil, "run-time override key=value applied to every region (repeatable)")
	cmd.Flags().BoolVar(&f.autoApprove, "auto-approve", false, "approve every change set as the system actor")
	cmd.Flags().StringVar(&f.listen, "listen", "", "API listen address for approvals (default: server.listen; off with --auto-approve)")
}

func newRolloutCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Plan, approve and apply the stack in each region",
		Long: `Roll the infrastructure stack out to each region in turn.

For every region this command:
  - Resolves parameters from defaults, the region's values document and secrets
  - Plans the changes with the configured IaC executor
  - Evaluates the change set against policy
  - Waits for an approval (unless --auto-approve)
  - Applies under the workspace lock and records the new state version

Approvals are posted with "regionctl approve" against the API server this
command runs while it waits.`,
		Example: `  # Roll out every region, approving through the API
  regionctl rollout

  # Roll out two regions without waiting for approval
  regionctl rollout --regions eu-central-1,us-east-1 --auto-approve

  # Override a parameter for this run
  regionctl rollout --regions eu-central-1 --set botToken=T1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegions(cmd, flags, engine.OperationRollout)
		},
	}

	flags.register(cmd)
	return cmd
}

func newDestroyCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Plan, approve and destroy the stack in each region",
		Long: `Remove the infrastructure stack from each region in turn.

Destroy plans go through the same approval gate as rollouts. A region whose
approval expires or is rejected is skipped and keeps its resources.`,
		Example: `  # Destroy two regions, approving through the API
  regionctl destroy --regions eu-central-1,us-east-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegions(cmd, flags, engine.OperationDestroy)
		},
	}

	flags.register(cmd)
	return cmd
}

func runRegions(cmd *cobra.Command, flags runFlags, op string) error {
	overrides, err := parseOverrides(flags.overrides)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), appOptions{AutoApprove: flags.autoApprove})
	if err != nil {
		return err
	}
	defer a.Close()

	regions, err := a.targetRegions(flags.regions)
	if err != nil {
		return err
	}

	var run runFunc = a.coordinator.Rollout
	if op == engine.OperationDestroy {
		run = a.coordinator.DestroyAll
	}

	listen := flags.listen
	if listen == "" && !flags.autoApprove && !a.cfg.Approval.AutoApprove {
		listen = a.cfg.Server.Listen
	}

	ctx := a.telemetry.WithContext(cmd.Context())
	if err := a.telemetry.Metrics.StartMetricsServer(ctx, a.logger); err != nil {
		return err
	}

	log.Info().
		Str("operation", op).
		Int("regions", len(regions)).
		Bool("auto_approve", flags.autoApprove).
		Str("listen", listen).
		Msg("Starting")

	instr := telemetry.StartOperation(ctx, op, attribute.Int("regions", len(regions)))
	report, err := runWithServer(instr.Ctx, a, listen, func(ctx context.Context) (*engine.RolloutReport, error) {
		return run(ctx, regions, perRegion(regions, overrides))
	})
	if err == nil {
		err = reportError(report)
	}
	instr.End(err)

	if report == nil {
		return err
	}
	if printErr := printReport(cmd.OutOrStdout(), report); printErr != nil {
		return printErr
	}
	return err
}

// runWithServer runs fn while the API server accepts approval decisions.
// The server stops once fn returns. An empty listen address runs fn alone.
func runWithServer(ctx context.Context, a *app, listen string, fn func(context.Context) (*engine.RolloutReport, error)) (*engine.RolloutReport, error) {
	if listen == "" {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	srv := a.apiServer(listen)
	group.Go(func() error {
		return srv.Start(groupCtx)
	})

	// The run's own error stays out of the group so that a failed rollout
	// still returns its report.
	var (
		report *engine.RolloutReport
		runErr error
	)
	group.Go(func() error {
		defer cancel()
		report, runErr = fn(groupCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		return report, err
	}
	return report, runErr
}

// parseOverrides parses repeated key=value flags.
func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// perRegion applies the same overrides to every region.
func perRegion(regions []engine.Region, overrides map[string]string) map[engine.Region]map[string]string {
	if len(overrides) == 0 {
		return nil
	}
	out := make(map[engine.Region]map[string]string, len(regions))
	for _, r := range regions {
		out[r] = overrides
	}
	return out
}
