package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// decider answers pending approvals on behalf of operators. Regions without
// an entry are left to expire.
func decider(ctx context.Context, gate *ApprovalGate, decisions map[Region]ApprovalDecision) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range gate.Pending() {
				if d, ok := decisions[p.Region]; ok {
					_, _ = gate.Decide(ctx, p.PendingID, "operator", d, "")
				}
			}
		}
	}
}

func newTestCoordinator(h *harness, cfg CoordinatorConfig) *Coordinator {
	return NewCoordinator(h.registry, h.resolver, h.planner, h.gate, h.executor, cfg, zerolog.Nop())
}

func TestCoordinator_RolloutIsolation(t *testing.T) {
	h := newHarness(t, mapValues{})
	coord := newTestCoordinator(h, CoordinatorConfig{ApprovalTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go decider(ctx, h.gate, map[Region]ApprovalDecision{
		"eu-central-1": DecisionRejected,
		"us-east-1":    DecisionApproved,
	})

	report, err := coord.Rollout(context.Background(), []Region{"eu-central-1", "us-east-1"}, nil)
	if err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(report.Results))
	}

	eu, _ := report.Result("eu-central-1")
	if eu.Outcome != OutcomeSkipped || !errors.Is(eu.Err(), ErrApprovalRejected) {
		t.Errorf("Expected eu-central-1 skipped after rejection, got %+v", eu)
	}
	us, _ := report.Result("us-east-1")
	if us.Outcome != OutcomeSucceeded || us.Status != StatusApplied {
		t.Errorf("Expected us-east-1 applied, got %+v", us)
	}
	if h.store.status("eu-central-1") != StatusAbsent {
		t.Errorf("Expected eu-central-1 untouched, got %s", h.store.status("eu-central-1"))
	}
}

func TestCoordinator_DestroyAllWithExpiry(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()

	seed := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})
	if _, err := seed.Rollout(ctx, []Region{"eu-central-1", "us-east-1"}, nil); err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}

	coord := newTestCoordinator(h, CoordinatorConfig{ApprovalTimeout: 20 * time.Millisecond})
	deciderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go decider(deciderCtx, h.gate, map[Region]ApprovalDecision{"us-east-1": DecisionApproved})

	report, err := coord.DestroyAll(ctx, []Region{"eu-central-1", "us-east-1"}, nil)
	if err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	eu, _ := report.Result("eu-central-1")
	if eu.Outcome != OutcomeSkipped || !errors.Is(eu.Err(), ErrExpired) {
		t.Errorf("Expected eu-central-1 skipped after expiry, got %+v", eu)
	}
	if eu.Status != StatusApplied {
		t.Errorf("Expected eu-central-1 to stay applied, got %s", eu.Status)
	}
	us, _ := report.Result("us-east-1")
	if us.Outcome != OutcomeSucceeded || us.Status != StatusAbsent {
		t.Errorf("Expected us-east-1 destroyed, got %+v", us)
	}
	if report.Operation != OperationDestroy {
		t.Errorf("Expected operation destroy, got %s", report.Operation)
	}
}

func TestCoordinator_DestroyAllDefaultsToRegistered(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	coord := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})

	if _, err := coord.Rollout(ctx, []Region{"ap-south-1", "eu-west-1"}, nil); err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}
	report, err := coord.DestroyAll(ctx, nil, nil)
	if err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}
	if len(report.Results) != 2 || report.Results[0].Region != "ap-south-1" {
		t.Fatalf("Expected registered regions in order, got %+v", report.Results)
	}
	if report.Count(OutcomeSucceeded) != 2 {
		t.Errorf("Expected both regions destroyed, got %+v", report.Results)
	}
}

func TestCoordinator_DestroyUnknownRegion(t *testing.T) {
	h := newHarness(t, mapValues{})
	coord := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})

	report, err := coord.DestroyAll(context.Background(), []Region{"sa-east-1"}, nil)
	if !errors.Is(err, ErrRolloutFailed) {
		t.Fatalf("Expected ErrRolloutFailed, got %v", err)
	}
	res, _ := report.Result("sa-east-1")
	if !errors.Is(res.Err(), ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", res.Err())
	}
	if _, err := h.registry.Get(context.Background(), "sa-east-1"); err == nil {
		t.Error("Expected destroy not to create a workspace")
	}
}

func TestCoordinator_AllRegionsFailed(t *testing.T) {
	h := newHarness(t, mapValues{})
	h.resolver = NewParameterResolver(ResolverConfig{Required: []string{"vpcCidr"}}, mapValues{}, zerolog.Nop())
	coord := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})

	report, err := coord.Rollout(context.Background(), []Region{"ap-south-1", "eu-west-1"}, nil)
	if !errors.Is(err, ErrRolloutFailed) {
		t.Fatalf("Expected ErrRolloutFailed, got %v", err)
	}
	if report == nil || len(report.Results) != 2 {
		t.Fatalf("Expected a complete report, got %+v", report)
	}
	for _, r := range report.Results {
		if r.Outcome != OutcomeFailed || !errors.Is(r.Err(), ErrMissingRequiredParameter) {
			t.Errorf("Expected %s to fail with missing parameter, got %+v", r.Region, r)
		}
		if r.ErrorClass != ErrorClassConfiguration {
			t.Errorf("Expected configuration class, got %s", r.ErrorClass)
		}
	}
}

func TestCoordinator_MixedReportIsNotFailure(t *testing.T) {
	h := newHarness(t, mapValues{"us-east-1": {"vpcCidr": "10.1.0.0/16"}})
	h.resolver = NewParameterResolver(ResolverConfig{Required: []string{"vpcCidr"}}, mapValues{"us-east-1": {"vpcCidr": "10.1.0.0/16"}}, zerolog.Nop())
	coord := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})

	report, err := coord.Rollout(context.Background(), []Region{"ap-south-1", "us-east-1"}, nil)
	if err != nil {
		t.Fatalf("Expected mixed report without error, got %v", err)
	}
	if report.Count(OutcomeFailed) != 1 || report.Count(OutcomeSucceeded) != 1 {
		t.Errorf("Unexpected report %+v", report.Results)
	}
}

func TestCoordinator_DedupeAndSecrets(t *testing.T) {
	h := newHarness(t, mapValues{})
	coord := newTestCoordinator(h, CoordinatorConfig{
		AutoApprove: true,
		Secrets:     staticSecrets{"botToken": "from-env", "apiKey": "K"},
	})

	overrides := map[Region]map[string]string{"us-east-1": {"botToken": "T1"}}
	report, err := coord.Rollout(context.Background(), []Region{"us-east-1", "us-east-1"}, overrides)
	if err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("Expected duplicate regions to collapse, got %d results", len(report.Results))
	}
	if h.iac.lastParams["botToken"] != "T1" || h.iac.lastParams["apiKey"] != "K" {
		t.Errorf("Expected call-time override to win over secret source, got %v", h.iac.lastParams)
	}
}

func TestCoordinator_NoopChangeSetStillApproved(t *testing.T) {
	h := newHarness(t, mapValues{})
	h.iac.changes = []ResourceChange{{Resource: "aws_vpc.main", Action: ActionNoop}}
	coord := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})

	report, err := coord.Rollout(context.Background(), []Region{"eu-west-1"}, nil)
	if err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}
	res, _ := report.Result("eu-west-1")
	if res.Outcome != OutcomeSucceeded || res.Summary == nil || res.Summary.NoChange != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
	rec, err := h.gate.Latest(context.Background(), "eu-west-1")
	if err != nil || rec.Decision != DecisionApproved {
		t.Errorf("Expected approval to be recorded, got %+v, %v", rec, err)
	}
}

func TestCoordinator_CancelledRollout(t *testing.T) {
	h := newHarness(t, mapValues{})
	coord := newTestCoordinator(h, CoordinatorConfig{ApprovalTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(h.gate.Pending()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	report, err := coord.Rollout(ctx, []Region{"eu-central-1", "us-east-1"}, nil)
	if err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}
	if report.Count(OutcomeSkipped) != 2 {
		t.Fatalf("Expected both regions skipped, got %+v", report.Results)
	}
	rec, _ := h.gate.Latest(context.Background(), "eu-central-1")
	if rec.Actor != ActorCancelled {
		t.Errorf("Expected cancellation to be recorded, got %+v", rec)
	}
	if h.iac.calls() != 0 {
		t.Error("Expected no mutation")
	}
}

func TestCoordinator_Status(t *testing.T) {
	h := newHarness(t, mapValues{})
	coord := newTestCoordinator(h, CoordinatorConfig{AutoApprove: true})
	ctx := context.Background()

	if _, err := coord.Status(ctx, "us-east-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before first rollout, got %v", err)
	}
	if _, err := coord.Rollout(ctx, []Region{"us-east-1"}, nil); err != nil {
		t.Fatalf("Rollout() error = %v", err)
	}
	ws, err := coord.Status(ctx, "us-east-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if ws.Status != StatusApplied || ws.StateVersion != 1 {
		t.Errorf("Unexpected workspace %+v", ws)
	}
}

type staticSecrets map[string]string

func (s staticSecrets) Secrets(ctx context.Context, region Region) (map[string]string, error) {
	return s, nil
}
