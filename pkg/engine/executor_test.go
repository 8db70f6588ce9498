package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// harness wires every engine component over in-memory collaborators.
type harness struct {
	backend  *memBackend
	store    *memStore
	iac      *fakeIaC
	notifier *recordingNotifier
	registry *WorkspaceRegistry
	resolver *ParameterResolver
	planner  *Planner
	gate     *ApprovalGate
	executor *Executor
}

func newHarness(t *testing.T, values mapValues) *harness {
	t.Helper()
	h := &harness{
		backend:  newMemBackend(),
		store:    newMemStore(),
		iac:      &fakeIaC{changes: []ResourceChange{{Resource: "aws_vpc.main", Action: ActionCreate}}},
		notifier: &recordingNotifier{},
	}
	logger := zerolog.Nop()
	h.registry = NewWorkspaceRegistry(h.store, "", logger)
	h.resolver = NewParameterResolver(ResolverConfig{
		Defaults: map[string]interface{}{"instanceType": "t2.micro"},
	}, values, logger)
	h.planner = NewPlanner(h.backend, h.iac, nil, logger)
	h.gate = NewApprovalGate(time.Hour, logger, WithApprovalStore(h.store))
	h.executor = NewExecutor(h.backend, h.registry, h.gate, h.iac, ExecutorConfig{
		Holder:   "test",
		LockTTL:  30 * time.Millisecond,
		Notifier: h.notifier,
		Audit:    h.store,
	}, logger)
	return h
}

// plan ensures the region and returns a fresh change set.
func (h *harness) plan(t *testing.T, region Region, destroy bool) (*Workspace, *ChangeSet) {
	t.Helper()
	ctx := context.Background()
	ws, err := h.registry.Ensure(ctx, region)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	params, err := h.resolver.Resolve(ctx, region, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	var cs *ChangeSet
	if destroy {
		cs, err = h.planner.PlanDestroy(ctx, ws, params)
	} else {
		cs, err = h.planner.Plan(ctx, ws, params)
	}
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return ws, cs
}

// approve submits the change set and approves it.
func (h *harness) approve(t *testing.T, cs *ChangeSet) *ApprovalRecord {
	t.Helper()
	ctx := context.Background()
	id, err := h.gate.Submit(ctx, cs)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, err := h.gate.Decide(ctx, id, "alice", DecisionApproved, "")
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	return rec
}

// withFlakyBackend rebuilds the harness executor over a flakyBackend.
func (h *harness) withFlakyBackend() *flakyBackend {
	flaky := &flakyBackend{memBackend: h.backend}
	h.executor = NewExecutor(flaky, h.registry, h.gate, h.iac, ExecutorConfig{
		Holder:   "test",
		LockTTL:  30 * time.Millisecond,
		Notifier: h.notifier,
		Audit:    h.store,
	}, zerolog.Nop())
	return flaky
}

func TestExecutor_Apply(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, cs := h.plan(t, "eu-central-1", false)
	rec := h.approve(t, cs)

	result, err := h.executor.Apply(ctx, ws, cs, rec)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Outcome != OutcomeSucceeded || result.Status != StatusApplied {
		t.Errorf("Unexpected result %+v", result)
	}
	if got := h.backend.version(ws.PartitionKey); got != 1 {
		t.Errorf("Expected state version 1, got %d", got)
	}
	if h.backend.locked(ws.PartitionKey) {
		t.Error("Expected lock to be released")
	}
	if !cs.Consumed() {
		t.Error("Expected change set to be consumed")
	}

	stored, _ := h.registry.Get(ctx, "eu-central-1")
	if stored.Status != StatusApplied || stored.StateVersion != 1 || stored.LockToken != nil {
		t.Errorf("Unexpected workspace %+v", stored)
	}
	if got := h.notifier.regions(); len(got) != 1 || got[0] != "eu-central-1" {
		t.Errorf("Expected bootstrap notification for eu-central-1, got %v", got)
	}
	if len(h.store.audit) != 1 {
		t.Errorf("Expected one audit entry, got %v", h.store.audit)
	}

	// Replaying a consumed change set is refused.
	if _, err := h.executor.Apply(ctx, ws, cs, rec); !errors.Is(err, ErrChangeSetConsumed) {
		t.Errorf("Expected ErrChangeSetConsumed on replay, got %v", err)
	}
	if h.iac.calls() != 1 {
		t.Errorf("Expected one executor call, got %d", h.iac.calls())
	}
}

func TestExecutor_PreconditionsRejectMismatch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, cs *ChangeSet) *ApprovalRecord
		want  error
	}{
		{
			name:  "no approval",
			setup: func(t *testing.T, h *harness, cs *ChangeSet) *ApprovalRecord { return nil },
			want:  ErrApprovalMismatch,
		},
		{
			name: "rejected",
			setup: func(t *testing.T, h *harness, cs *ChangeSet) *ApprovalRecord {
				id, _ := h.gate.Submit(ctx, cs)
				rec, _ := h.gate.Decide(ctx, id, "alice", DecisionRejected, "")
				return rec
			},
			want: ErrApprovalRejected,
		},
		{
			name: "expired",
			setup: func(t *testing.T, h *harness, cs *ChangeSet) *ApprovalRecord {
				id, _ := h.gate.Submit(ctx, cs)
				rec, _ := h.gate.Await(ctx, id, time.Millisecond)
				return rec
			},
			want: ErrExpired,
		},
		{
			name: "hash mismatch",
			setup: func(t *testing.T, h *harness, cs *ChangeSet) *ApprovalRecord {
				rec := *h.approve(t, cs)
				rec.ChangeSetHash = "forged"
				return &rec
			},
			want: ErrApprovalMismatch,
		},
		{
			name: "superseded by newer record",
			setup: func(t *testing.T, h *harness, cs *ChangeSet) *ApprovalRecord {
				rec := h.approve(t, cs)
				_, other := h.plan(t, "us-east-1", false)
				id, _ := h.gate.Submit(ctx, other)
				_, _ = h.gate.Decide(ctx, id, "alice", DecisionRejected, "")
				return rec
			},
			want: ErrApprovalMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mapValues{})
			ws, cs := h.plan(t, "us-east-1", false)
			approval := tt.setup(t, h, cs)

			result, err := h.executor.Apply(ctx, ws, cs, approval)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Apply() error = %v, want %v", err, tt.want)
			}
			if result.Outcome != OutcomeFailed {
				t.Errorf("Expected failed outcome, got %s", result.Outcome)
			}
			if h.iac.calls() != 0 {
				t.Error("Expected no executor call")
			}
			if cs.Consumed() {
				t.Error("Expected change set to stay unconsumed")
			}
			if h.store.status("us-east-1") != StatusAbsent {
				t.Errorf("Expected status absent, got %s", h.store.status("us-east-1"))
			}
		})
	}
}

func TestExecutor_AlreadyLocked(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, cs := h.plan(t, "us-east-1", false)
	rec := h.approve(t, cs)

	if _, err := h.backend.AcquireLock(ctx, ws.PartitionKey, "other-instance", time.Minute); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	_, err := h.executor.Apply(ctx, ws, cs, rec)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("Expected ErrAlreadyLocked, got %v", err)
	}
	if !IsRetryableLater(err) {
		t.Error("Expected lock contention to be retryable later")
	}
	if h.iac.calls() != 0 || cs.Consumed() {
		t.Error("Expected no mutation on lock contention")
	}
}

func TestExecutor_ConcurrentApplyExclusive(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, cs := h.plan(t, "us-east-1", false)
	rec := h.approve(t, cs)

	h.iac.entered = make(chan struct{}, 1)
	h.iac.release = make(chan struct{})

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.executor.Apply(ctx, ws, cs, rec)
		done <- outcome{r, err}
	}()

	select {
	case <-h.iac.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the first apply to start")
	}

	_, err := h.executor.Apply(ctx, ws, cs, rec)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("Expected second apply to fail with ErrAlreadyLocked, got %v", err)
	}

	// Hold the lock across several renewal intervals.
	time.Sleep(100 * time.Millisecond)
	close(h.iac.release)

	first := <-done
	if first.err != nil {
		t.Fatalf("First apply error = %v", first.err)
	}
	if first.result.Status != StatusApplied {
		t.Errorf("Expected applied, got %s", first.result.Status)
	}
	if h.iac.calls() != 1 {
		t.Errorf("Expected exactly one executor call, got %d", h.iac.calls())
	}
	h.backend.mu.Lock()
	renewals := h.backend.renewals
	h.backend.mu.Unlock()
	if renewals == 0 {
		t.Error("Expected the lease to be renewed during the run")
	}
}

func TestExecutor_StalePlan(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, _ := h.plan(t, "eu-central-1", false)

	for v := int64(0); v < 5; v++ {
		if _, err := h.backend.Write(ctx, ws.PartitionKey, StateBlob(`{}`), v); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	_, cs := h.plan(t, "eu-central-1", false)
	if cs.StateVersion != 5 {
		t.Fatalf("Expected plan at version 5, got %d", cs.StateVersion)
	}
	rec := h.approve(t, cs)

	// Someone else applied meanwhile.
	if _, err := h.backend.Write(ctx, ws.PartitionKey, StateBlob(`{"other":true}`), 5); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	_, err := h.executor.Apply(ctx, ws, cs, rec)
	if !errors.Is(err, ErrStalePlan) {
		t.Fatalf("Expected ErrStalePlan, got %v", err)
	}
	if h.iac.calls() != 0 {
		t.Error("Expected no executor call for a stale plan")
	}
	if got := h.backend.version(ws.PartitionKey); got != 6 {
		t.Errorf("Expected state version to stay at 6, got %d", got)
	}
	if h.store.status("eu-central-1") != StatusAbsent {
		t.Errorf("Expected status unchanged, got %s", h.store.status("eu-central-1"))
	}
	if h.backend.locked(ws.PartitionKey) {
		t.Error("Expected lock to be released")
	}
}

func TestExecutor_PlannedUnderLockIsStale(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, _ := h.plan(t, "eu-central-1", false)

	token, err := h.backend.AcquireLock(ctx, ws.PartitionKey, "other-instance", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	_, cs := h.plan(t, "eu-central-1", false)
	rec := h.approve(t, cs)
	if err := h.backend.ReleaseLock(ctx, ws.PartitionKey, token); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}

	if _, err := h.executor.Apply(ctx, ws, cs, rec); !errors.Is(err, ErrStalePlan) {
		t.Fatalf("Expected ErrStalePlan, got %v", err)
	}
}

func TestExecutor_PartialApply(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, cs := h.plan(t, "ap-south-1", false)
	rec := h.approve(t, cs)

	h.iac.applyResp = &ApplyResponse{
		NewState: StateBlob(`{"vpc":"created"}`),
		Changed:  []string{"aws_vpc.main"},
		Failed:   []string{"aws_eks_cluster.main"},
		Message:  "quota exceeded",
	}

	result, err := h.executor.Apply(ctx, ws, cs, rec)
	if !errors.Is(err, ErrPartialApply) {
		t.Fatalf("Expected ErrPartialApply, got %v", err)
	}
	if got := UnresolvedResources(err); len(got) != 1 || got[0] != "aws_eks_cluster.main" {
		t.Errorf("Expected unresolved aws_eks_cluster.main, got %v", got)
	}
	if result.Status != StatusFailed || len(result.Unresolved) != 1 {
		t.Errorf("Unexpected result %+v", result)
	}
	if got := h.backend.version(ws.PartitionKey); got != 1 {
		t.Errorf("Expected partial state persisted at version 1, got %d", got)
	}
	if h.backend.locked(ws.PartitionKey) {
		t.Error("Expected lock to be released")
	}
	if len(h.notifier.regions()) != 0 {
		t.Error("Expected no bootstrap notification after partial apply")
	}
}

func TestExecutor_ExecutionError(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, cs := h.plan(t, "ap-south-1", false)
	rec := h.approve(t, cs)

	h.iac.applyErr = errors.New("provider crashed")

	result, err := h.executor.Apply(ctx, ws, cs, rec)
	if !errors.Is(err, ErrApplyExecution) {
		t.Fatalf("Expected ErrApplyExecution, got %v", err)
	}
	if result.Status != StatusFailed || result.ErrorClass != ErrorClassExecution {
		t.Errorf("Unexpected result %+v", result)
	}
	if got := h.backend.version(ws.PartitionKey); got != 0 {
		t.Errorf("Expected no state write, got version %d", got)
	}
}

func TestExecutor_ApplyIgnoresCancellation(t *testing.T) {
	h := newHarness(t, mapValues{})
	ws, cs := h.plan(t, "us-east-1", false)
	rec := h.approve(t, cs)

	h.iac.entered = make(chan struct{}, 1)
	h.iac.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.executor.Apply(ctx, ws, cs, rec)
		done <- err
	}()

	<-h.iac.entered
	cancel()
	close(h.iac.release)

	if err := <-done; err != nil {
		t.Fatalf("Expected apply to complete despite cancellation, got %v", err)
	}
	if h.store.status("us-east-1") != StatusApplied {
		t.Errorf("Expected applied, got %s", h.store.status("us-east-1"))
	}
}

func TestExecutor_Destroy(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()

	ws, cs := h.plan(t, "eu-west-1", false)
	if _, err := h.executor.Apply(ctx, ws, cs, h.approve(t, cs)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	ws, destroy := h.plan(t, "eu-west-1", true)
	rec := h.approve(t, destroy)

	if _, err := h.executor.Apply(ctx, ws, destroy, rec); !IsConfiguration(err) {
		t.Errorf("Expected destroy change set to be refused by Apply, got %v", err)
	}

	result, err := h.executor.Destroy(ctx, ws, destroy, rec)
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if result.Status != StatusAbsent {
		t.Errorf("Expected absent after destroy, got %s", result.Status)
	}
	if got := h.backend.version(ws.PartitionKey); got != 2 {
		t.Errorf("Expected state version 2, got %d", got)
	}
	if len(h.notifier.regions()) != 1 {
		t.Error("Expected no bootstrap notification for destroy")
	}
}

func TestExecutor_RenewalRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, mapValues{})
	flaky := h.withFlakyBackend()
	ctx := context.Background()
	ws, cs := h.plan(t, "eu-central-1", false)
	rec := h.approve(t, cs)

	flaky.setRenewalFailures(1)
	h.iac.entered = make(chan struct{}, 1)
	h.iac.release = make(chan struct{})

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.executor.Apply(ctx, ws, cs, rec)
		done <- outcome{r, err}
	}()

	select {
	case <-h.iac.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the apply to start")
	}

	// Well past the TTL; the lease must still be held.
	time.Sleep(200 * time.Millisecond)
	if _, err := h.backend.AcquireLock(ctx, ws.PartitionKey, "second-orchestrator", time.Minute); !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("Expected ErrAlreadyLocked while the apply runs, got %v", err)
	}
	close(h.iac.release)

	first := <-done
	if first.err != nil {
		t.Fatalf("Apply() error = %v", first.err)
	}
	if first.result.Outcome != OutcomeSucceeded || first.result.Status != StatusApplied {
		t.Errorf("Unexpected result %+v", first.result)
	}
	if flaky.renewalFailures() != 1 {
		t.Errorf("Expected one failed renewal, got %d", flaky.renewalFailures())
	}
}

func TestExecutor_LeaseLostFailsRun(t *testing.T) {
	h := newHarness(t, mapValues{})
	flaky := h.withFlakyBackend()
	ctx := context.Background()
	ws, cs := h.plan(t, "eu-central-1", false)
	rec := h.approve(t, cs)

	flaky.setRenewalFailures(-1)
	h.iac.entered = make(chan struct{}, 1)
	h.iac.release = make(chan struct{})

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.executor.Apply(ctx, ws, cs, rec)
		done <- outcome{r, err}
	}()

	select {
	case <-h.iac.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the apply to start")
	}

	var (
		token LockToken
		err   error
	)
	deadline := time.Now().Add(5 * time.Second)
	for {
		token, err = h.backend.AcquireLock(ctx, ws.PartitionKey, "second-orchestrator", time.Minute)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Expected the expired lease to be reclaimable, got %v", err)
	}
	flaky.setRenewalFailures(0)
	close(h.iac.release)

	first := <-done
	if !errors.Is(first.err, ErrLeaseLost) {
		t.Fatalf("Expected ErrLeaseLost, got %v", first.err)
	}
	if !IsRetryableLater(first.err) {
		t.Error("Expected a lost lease to be a concurrency error")
	}
	if first.result.Outcome != OutcomeFailed || first.result.Status != StatusFailed {
		t.Errorf("Unexpected result %+v", first.result)
	}
	if got := h.backend.version(ws.PartitionKey); got != 0 {
		t.Errorf("Expected no state write after losing the lease, got version %d", got)
	}
	lease, _ := h.backend.Lease(ctx, ws.PartitionKey)
	if lease == nil || lease.Token != token {
		t.Errorf("Expected the second holder to keep the lease, got %+v", lease)
	}
	if len(h.notifier.regions()) != 0 {
		t.Error("Expected no bootstrap notification")
	}
}

func TestExecutor_PartialApplyStateWriteFailure(t *testing.T) {
	h := newHarness(t, mapValues{})
	flaky := h.withFlakyBackend()
	ctx := context.Background()
	ws, cs := h.plan(t, "ap-south-1", false)
	rec := h.approve(t, cs)

	flaky.writeErr = errors.New("bucket unavailable")
	h.iac.applyResp = &ApplyResponse{
		NewState: StateBlob(`{"vpc":"created"}`),
		Changed:  []string{"aws_vpc.main"},
		Failed:   []string{"aws_eks_cluster.main"},
	}

	_, err := h.executor.Apply(ctx, ws, cs, rec)
	if !errors.Is(err, ErrPartialApply) {
		t.Fatalf("Expected ErrPartialApply, got %v", err)
	}
	var perr *EngineError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	if perr.Details["state_persisted"] != false {
		t.Errorf("Expected state_persisted=false, got %v", perr.Details["state_persisted"])
	}
	if perr.Details["state_write_error"] != "bucket unavailable" {
		t.Errorf("Expected the write error in details, got %v", perr.Details["state_write_error"])
	}
	if perr.Details["state_version"] != int64(0) {
		t.Errorf("Expected state_version 0, got %v", perr.Details["state_version"])
	}
}

func TestExecutor_ApprovalSingleUse(t *testing.T) {
	h := newHarness(t, mapValues{})
	ctx := context.Background()
	ws, cs := h.plan(t, "us-east-1", false)
	rec := h.approve(t, cs)

	h.iac.applyErr = errors.New("provider crashed")
	if _, err := h.executor.Apply(ctx, ws, cs, rec); !errors.Is(err, ErrApplyExecution) {
		t.Fatalf("Expected ErrApplyExecution, got %v", err)
	}
	h.iac.applyErr = nil

	// Same inputs hash identically, but the old decision is spent.
	ws, again := h.plan(t, "us-east-1", false)
	if again.Hash != cs.Hash {
		t.Fatalf("Expected identical hash on re-plan")
	}
	if _, err := h.executor.Apply(ctx, ws, again, rec); !errors.Is(err, ErrStaleApproval) {
		t.Fatalf("Expected ErrStaleApproval, got %v", err)
	}
	if h.iac.calls() != 1 {
		t.Errorf("Expected one executor call, got %d", h.iac.calls())
	}
	if h.backend.locked(ws.PartitionKey) {
		t.Error("Expected lock to be released")
	}

	stored, err := h.store.LatestApproval(ctx, "us-east-1")
	if err != nil || stored.UsedAt == nil {
		t.Errorf("Expected the stored approval to be marked used, got %+v, %v", stored, err)
	}

	// A fresh decision authorizes the retry.
	ws, retry := h.plan(t, "us-east-1", false)
	if _, err := h.executor.Apply(ctx, ws, retry, h.approve(t, retry)); err != nil {
		t.Fatalf("Apply() with a fresh approval error = %v", err)
	}
}
