package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func planFixture(t *testing.T, iac *fakeIaC, policy ChangeSetPolicy) (*Planner, *memBackend, *Workspace, *ParameterSet) {
	t.Helper()
	backend := newMemBackend()
	registry := NewWorkspaceRegistry(newMemStore(), "", zerolog.Nop())
	ws, err := registry.Ensure(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	params := NewParameterSet("us-east-1", map[string]Parameter{
		"instanceType": {Value: "t3.micro", Provenance: ProvenanceRegionFile},
	})
	return NewPlanner(backend, iac, policy, zerolog.Nop()), backend, ws, params
}

func TestPlanner_Deterministic(t *testing.T) {
	iac := &fakeIaC{changes: []ResourceChange{
		{Resource: "aws_vpc.main", Action: ActionCreate},
		{Resource: "aws_eks_cluster.main", Action: ActionCreate},
		{Resource: "aws_s3_bucket.logs", Action: ActionNoop},
	}}
	planner, _, ws, params := planFixture(t, iac, nil)
	ctx := context.Background()

	first, err := planner.Plan(ctx, ws, params)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	// Same diff reported in a different order.
	iac.changes = []ResourceChange{
		{Resource: "aws_s3_bucket.logs", Action: ActionNoop},
		{Resource: "aws_vpc.main", Action: ActionCreate},
		{Resource: "aws_eks_cluster.main", Action: ActionCreate},
	}
	second, err := planner.Plan(ctx, ws, params)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if first.Hash != second.Hash {
		t.Errorf("Expected identical hashes, got %s and %s", first.Hash, second.Hash)
	}
	if first.ID == second.ID {
		t.Error("Expected distinct change set IDs")
	}
	if first.Changes[0].Resource != "aws_eks_cluster.main" {
		t.Errorf("Expected changes sorted by resource, got %v", first.Changes)
	}
	if first.ParamsHash != params.Hash() {
		t.Error("Expected change set to record the parameter hash")
	}

	summary := first.Summary()
	if summary.ToCreate != 2 || summary.NoChange != 1 {
		t.Errorf("Unexpected summary %+v", summary)
	}
}

func TestPlanner_HashDependsOnInputs(t *testing.T) {
	iac := &fakeIaC{changes: []ResourceChange{{Resource: "aws_vpc.main", Action: ActionCreate}}}
	planner, _, ws, params := planFixture(t, iac, nil)
	ctx := context.Background()

	base, err := planner.Plan(ctx, ws, params)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	other := NewParameterSet("us-east-1", map[string]Parameter{
		"instanceType": {Value: "t3.large", Provenance: ProvenanceRegionFile},
	})
	withOtherParams, err := planner.Plan(ctx, ws, other)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if base.Hash == withOtherParams.Hash {
		t.Error("Expected parameter change to change the hash")
	}

	destroy, err := planner.PlanDestroy(ctx, ws, params)
	if err != nil {
		t.Fatalf("PlanDestroy() error = %v", err)
	}
	if base.Hash == destroy.Hash || !destroy.Destroy {
		t.Error("Expected destroy plan to hash differently and be marked destroy")
	}
	if destroy.Changes[0].Action != ActionDelete {
		t.Errorf("Expected delete action, got %s", destroy.Changes[0].Action)
	}
}

func TestPlanner_RecordsStateVersionAndLease(t *testing.T) {
	iac := &fakeIaC{}
	planner, backend, ws, params := planFixture(t, iac, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := backend.Write(ctx, ws.PartitionKey, StateBlob("{}"), int64(i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	cs, err := planner.Plan(ctx, ws, params)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if cs.StateVersion != 5 {
		t.Errorf("Expected state version 5, got %d", cs.StateVersion)
	}
	if cs.LockToken != nil {
		t.Error("Expected no lock token when unlocked")
	}

	token, err := backend.AcquireLock(ctx, ws.PartitionKey, "other", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	cs, err = planner.Plan(ctx, ws, params)
	if err != nil {
		t.Fatalf("Plan() while locked error = %v", err)
	}
	if cs.LockToken == nil || *cs.LockToken != token {
		t.Errorf("Expected lock token %s to be recorded, got %v", token, cs.LockToken)
	}
}

func TestPlanner_ExecutorFailure(t *testing.T) {
	iac := &fakeIaC{planErr: errors.New("invalid resource block")}
	planner, _, ws, params := planFixture(t, iac, nil)

	_, err := planner.Plan(context.Background(), ws, params)
	if !errors.Is(err, ErrPlanExecution) {
		t.Fatalf("Expected ErrPlanExecution, got %v", err)
	}
	if !IsConfiguration(err) {
		t.Error("Expected plan failures to be configuration errors")
	}
	if iac.planCalls != 1 {
		t.Errorf("Expected exactly one plan call, got %d", iac.planCalls)
	}
}

// silentIaC returns neither a plan nor an error.
type silentIaC struct{ *fakeIaC }

func (silentIaC) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) { return nil, nil }

func TestPlanner_NoPlanReturned(t *testing.T) {
	_, backend, ws, params := planFixture(t, &fakeIaC{}, nil)
	planner := NewPlanner(backend, silentIaC{&fakeIaC{}}, nil, zerolog.Nop())

	_, err := planner.Plan(context.Background(), ws, params)
	if !errors.Is(err, ErrPlanExecution) {
		t.Fatalf("Expected ErrPlanExecution, got %v", err)
	}
}

func TestPlanner_InvalidDiff(t *testing.T) {
	tests := []struct {
		name    string
		changes []ResourceChange
	}{
		{"empty resource", []ResourceChange{{Resource: "", Action: ActionCreate}}},
		{"unknown action", []ResourceChange{{Resource: "a", Action: "replace"}}},
		{"duplicate", []ResourceChange{{Resource: "a", Action: ActionCreate}, {Resource: "a", Action: ActionDelete}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, _, ws, params := planFixture(t, &fakeIaC{changes: tt.changes}, nil)
			if _, err := planner.Plan(context.Background(), ws, params); !errors.Is(err, ErrPlanExecution) {
				t.Errorf("Expected ErrPlanExecution, got %v", err)
			}
		})
	}
}

func TestPlanner_RegionMismatch(t *testing.T) {
	planner, _, ws, _ := planFixture(t, &fakeIaC{}, nil)
	params := NewParameterSet("eu-west-1", nil)

	if _, err := planner.Plan(context.Background(), ws, params); !IsConfiguration(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestPlanner_PolicyViolation(t *testing.T) {
	iac := &fakeIaC{changes: []ResourceChange{{Resource: "aws_rds_cluster.main", Action: ActionCreate}}}
	planner, _, ws, params := planFixture(t, iac, staticPolicy{denyDeletes: true, warnings: []string{"large instance"}})
	ctx := context.Background()

	if _, err := planner.Plan(ctx, ws, params); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	_, err := planner.PlanDestroy(ctx, ws, params)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("Expected ErrPolicyViolation, got %v", err)
	}
}
