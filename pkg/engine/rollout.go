package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Rollout operations.
const (
	OperationRollout = "rollout"
	OperationDestroy = "destroy"
)

// ErrRolloutFailed is returned together with the report when every requested
// region failed.
var ErrRolloutFailed = errors.New("rollout failed in every region")

// CoordinatorConfig configures the rollout coordinator.
type CoordinatorConfig struct {
	// ApprovalTimeout bounds how long each region waits for a decision.
	// Zero waits until the gate expires the item.
	ApprovalTimeout time.Duration

	// AutoApprove approves every change set as the system actor.
	AutoApprove bool

	// Secrets supplies run-time overrides. Overrides passed to Rollout or
	// DestroyAll take precedence over it.
	Secrets SecretSource

	// Observer receives per-region lifecycle notifications.
	Observer Observer
}

// Coordinator sequences plan, approval and apply across regions. Regions are
// processed one at a time; one region's failure never stops the next.
type Coordinator struct {
	registry *WorkspaceRegistry
	resolver *ParameterResolver
	planner  *Planner
	gate     *ApprovalGate
	executor *Executor
	cfg      CoordinatorConfig
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(registry *WorkspaceRegistry, resolver *ParameterResolver, planner *Planner, gate *ApprovalGate, executor *Executor, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Coordinator{
		registry: registry,
		resolver: resolver,
		planner:  planner,
		gate:     gate,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "coordinator").Logger(),
	}
}

// Rollout provisions or updates every requested region.
func (c *Coordinator) Rollout(ctx context.Context, regions []Region, overrides map[Region]map[string]string) (*RolloutReport, error) {
	return c.run(ctx, OperationRollout, regions, overrides)
}

// DestroyAll destroys every requested region. An empty list destroys every
// registered region.
func (c *Coordinator) DestroyAll(ctx context.Context, regions []Region, overrides map[Region]map[string]string) (*RolloutReport, error) {
	if len(regions) == 0 {
		all, err := c.registry.List(ctx)
		if err != nil {
			return nil, err
		}
		regions = all
	}
	return c.run(ctx, OperationDestroy, regions, overrides)
}

// Status returns the workspace of a region.
func (c *Coordinator) Status(ctx context.Context, region Region) (*Workspace, error) {
	return c.registry.Get(ctx, region)
}

func (c *Coordinator) run(ctx context.Context, op string, regions []Region, overrides map[Region]map[string]string) (*RolloutReport, error) {
	report := &RolloutReport{
		ID:        uuid.New().String(),
		Operation: op,
		StartedAt: time.Now().UTC(),
	}
	log := c.logger.With().Str("run_id", report.ID).Str("operation", op).Logger()

	regions = dedupe(regions)
	log.Info().Int("regions", len(regions)).Msg("Starting rollout")

	for _, region := range regions {
		var result RunResult
		if err := ctx.Err(); err != nil {
			result = RunResult{Region: region, Outcome: OutcomeSkipped}
			result.setError(fmt.Errorf("rollout cancelled before region started: %w", err))
			if ws, getErr := c.registry.Get(context.WithoutCancel(ctx), region); getErr == nil {
				result.Status = ws.Status
			}
		} else {
			regionCtx := c.cfg.Observer.RegionStarted(ctx, op, region)
			result = c.runRegion(regionCtx, log, op, region, overrides[region])
			c.cfg.Observer.RegionFinished(regionCtx, op, &result)
		}
		report.Results = append(report.Results, result)

		ev := log.Info()
		if result.Outcome == OutcomeFailed {
			ev = log.Error()
		}
		ev.Str("region", string(region)).
			Str("outcome", string(result.Outcome)).
			Str("status", string(result.Status)).
			Str("error_class", string(result.ErrorClass)).
			Dur("duration", result.Duration).
			Msg("Region finished")
	}

	report.FinishedAt = time.Now().UTC()
	log.Info().
		Int("succeeded", report.Count(OutcomeSucceeded)).
		Int("failed", report.Count(OutcomeFailed)).
		Int("skipped", report.Count(OutcomeSkipped)).
		Msg("Rollout finished")

	if report.Failed() {
		return report, ErrRolloutFailed
	}
	return report, nil
}

// runRegion executes ensure, resolve, plan, approval and apply for one region.
// Every error ends up in the returned result.
func (c *Coordinator) runRegion(ctx context.Context, log zerolog.Logger, op string, region Region, overrides map[string]string) RunResult {
	start := time.Now()
	destroy := op == OperationDestroy
	result := RunResult{Region: region, Outcome: OutcomeFailed, Status: StatusAbsent}

	fail := func(err error) RunResult {
		result.Outcome = OutcomeFailed
		result.setError(err)
		result.Duration = time.Since(start)
		return result
	}

	var (
		ws  *Workspace
		err error
	)
	if destroy {
		ws, err = c.registry.Get(ctx, region)
	} else {
		ws, err = c.registry.Ensure(ctx, region)
	}
	if err != nil {
		return fail(err)
	}
	result.Status = ws.Status

	secrets, err := c.secrets(ctx, region, overrides)
	if err != nil {
		return fail(err)
	}
	params, err := c.resolver.Resolve(ctx, region, secrets)
	if err != nil {
		return fail(err)
	}

	var cs *ChangeSet
	if destroy {
		cs, err = c.planner.PlanDestroy(ctx, ws, params)
	} else {
		cs, err = c.planner.Plan(ctx, ws, params)
	}
	if err != nil {
		return fail(err)
	}
	summary := cs.Summary()
	result.ChangeSetHash = cs.Hash
	result.Summary = &summary

	pendingID, err := c.gate.Submit(ctx, cs)
	if err != nil {
		return fail(err)
	}
	if c.cfg.AutoApprove {
		if _, err := c.gate.AutoApprove(ctx, pendingID); err != nil {
			cs.Discard()
			return fail(err)
		}
	}

	rec, err := c.gate.Await(ctx, pendingID, c.cfg.ApprovalTimeout)
	if err == nil && rec.Decision == DecisionRejected {
		err = NewApprovalError(ErrCodeApprovalRejected, fmt.Sprintf("rejected by %s", rec.Actor), nil).
			WithRegion(string(region)).
			WithDetail("comment", rec.Comment)
	}
	if err != nil {
		cs.Discard()
		result.Outcome = OutcomeSkipped
		result.setError(err)
		result.Duration = time.Since(start)
		log.Warn().Err(err).Str("region", string(region)).Msg("Region skipped")
		return result
	}

	var run *RunResult
	if destroy {
		run, err = c.executor.Destroy(ctx, ws, cs, rec)
	} else {
		run, err = c.executor.Apply(ctx, ws, cs, rec)
	}
	run.Duration = time.Since(start)
	if err != nil && run.Err() == nil {
		run.setError(err)
	}
	return *run
}

// secrets merges the configured secret source with call-time overrides.
func (c *Coordinator) secrets(ctx context.Context, region Region, overrides map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(overrides))
	if c.cfg.Secrets != nil {
		fromSource, err := c.cfg.Secrets.Secrets(ctx, region)
		if err != nil {
			return nil, NewConfigurationError(ErrCodeValidation, "failed to read secrets", err).
				WithRegion(string(region))
		}
		for k, v := range fromSource {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged, nil
}

// dedupe removes repeated regions, keeping the first occurrence.
func dedupe(regions []Region) []Region {
	seen := make(map[Region]bool, len(regions))
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
