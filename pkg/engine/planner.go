package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner invokes the IaC executor in dry-run mode and turns its diff into a
// hashable change set.
type Planner struct {
	backend  StateBackend
	executor IaCExecutor
	policy   ChangeSetPolicy
	logger   zerolog.Logger
}

// NewPlanner creates a planner. policy may be nil.
func NewPlanner(backend StateBackend, executor IaCExecutor, policy ChangeSetPolicy, logger zerolog.Logger) *Planner {
	return &Planner{
		backend:  backend,
		executor: executor,
		policy:   policy,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// Plan computes the change set bringing the workspace to the desired state.
func (p *Planner) Plan(ctx context.Context, ws *Workspace, params *ParameterSet) (*ChangeSet, error) {
	return p.plan(ctx, ws, params, false)
}

// PlanDestroy computes the change set removing every resource of the workspace.
func (p *Planner) PlanDestroy(ctx context.Context, ws *Workspace, params *ParameterSet) (*ChangeSet, error) {
	return p.plan(ctx, ws, params, true)
}

func (p *Planner) plan(ctx context.Context, ws *Workspace, params *ParameterSet, destroy bool) (*ChangeSet, error) {
	if ws == nil || params == nil {
		return nil, NewConfigurationError(ErrCodeValidation, "workspace and parameters are required", nil)
	}
	if params.Region() != ws.Region {
		return nil, NewConfigurationError(ErrCodeValidation,
			fmt.Sprintf("parameters resolved for %s", params.Region()), nil).WithRegion(string(ws.Region))
	}

	// Planning reads a snapshot without the exclusive lock; the version and
	// any in-flight lease are recorded for the staleness check at apply time.
	state, version, err := p.backend.Read(ctx, ws.PartitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", ws.Region, err)
	}
	lease, err := p.backend.Lease(ctx, ws.PartitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect lock for %s: %w", ws.Region, err)
	}

	resp, err := p.executor.Plan(ctx, PlanRequest{
		Region:  ws.Region,
		State:   state,
		Params:  params.Values(),
		Destroy: destroy,
	})
	if err == nil && resp == nil {
		err = errors.New("executor returned no plan")
	}
	if err != nil {
		return nil, NewConfigurationError(ErrCodePlanExecution, "executor plan failed", err).
			WithRegion(string(ws.Region)).
			WithOperation(operationName(destroy, "plan"))
	}

	changes, err := normalizeChanges(resp.Changes)
	if err != nil {
		return nil, NewConfigurationError(ErrCodePlanExecution, "executor returned an invalid diff", err).
			WithRegion(string(ws.Region))
	}

	cs := &ChangeSet{
		ID:           uuid.New().String(),
		Region:       ws.Region,
		Changes:      changes,
		Hash:         hashChanges(changes, params.Hash(), destroy),
		ParamsHash:   params.Hash(),
		StateVersion: version,
		Destroy:      destroy,
		CreatedAt:    time.Now().UTC(),
		params:       params,
	}
	if lease != nil {
		token := lease.Token
		cs.LockToken = &token
	}

	if p.policy != nil {
		decision, err := p.policy.EvaluateChangeSet(ctx, cs)
		if err != nil {
			return nil, NewConfigurationError(ErrCodePolicyViolation, "policy evaluation failed", err).
				WithRegion(string(ws.Region))
		}
		for _, w := range decision.Warnings {
			p.logger.Warn().Str("region", string(ws.Region)).Str("warning", w).Msg("Policy warning")
		}
		if !decision.Allowed {
			cs.Discard()
			return nil, NewConfigurationError(ErrCodePolicyViolation,
				strings.Join(decision.Violations, "; "), nil).
				WithRegion(string(ws.Region)).
				WithDetail("violations", decision.Violations)
		}
	}

	summary := cs.Summary()
	p.logger.Info().
		Str("region", string(ws.Region)).
		Bool("destroy", destroy).
		Int64("state_version", version).
		Int("create", summary.ToCreate).
		Int("update", summary.ToUpdate).
		Int("delete", summary.ToDelete).
		Int("noop", summary.NoChange).
		Str("hash", cs.Hash).
		Msg("Plan computed")

	return cs, nil
}

// normalizeChanges validates the executor's diff and orders it by resource so
// that identical diffs hash identically regardless of reporting order.
func normalizeChanges(in []ResourceChange) ([]ResourceChange, error) {
	out := make([]ResourceChange, len(in))
	copy(out, in)
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		if c.Resource == "" {
			return nil, fmt.Errorf("change without resource identifier")
		}
		if err := c.Action.Validate(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", c.Resource, err)
		}
		if seen[c.Resource] {
			return nil, fmt.Errorf("duplicate resource %s", c.Resource)
		}
		seen[c.Resource] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

func operationName(destroy bool, base string) string {
	if destroy {
		return base + "-destroy"
	}
	return base
}
