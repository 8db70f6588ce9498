package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memBackend is an in-memory StateBackend.
type memBackend struct {
	mu       sync.Mutex
	blobs    map[string]StateBlob
	versions map[string]int64
	leases   map[string]*Lease
	renewals int
}

func newMemBackend() *memBackend {
	return &memBackend{
		blobs:    make(map[string]StateBlob),
		versions: make(map[string]int64),
		leases:   make(map[string]*Lease),
	}
}

func (m *memBackend) Read(ctx context.Context, key string) (StateBlob, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[key], m.versions[key], nil
}

func (m *memBackend) Write(ctx context.Context, key string, blob StateBlob, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[key] != expectedVersion {
		return 0, NewConcurrencyError(ErrCodeVersionConflict, "version mismatch", nil)
	}
	m.blobs[key] = append(StateBlob(nil), blob...)
	m.versions[key]++
	return m.versions[key], nil
}

func (m *memBackend) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (LockToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && !l.Expired(time.Now()) {
		return "", NewConcurrencyError(ErrCodeAlreadyLocked, "locked by "+l.Holder, nil)
	}
	token := LockToken(uuid.New().String())
	m.leases[key] = &Lease{Key: key, Token: token, Holder: holder, ExpiresAt: time.Now().Add(ttl)}
	return token, nil
}

func (m *memBackend) RenewLock(ctx context.Context, key string, token LockToken, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.Token != token {
		return NewConcurrencyError(ErrCodeInvalidToken, "not the holder", nil)
	}
	l.ExpiresAt = time.Now().Add(ttl)
	m.renewals++
	return nil
}

func (m *memBackend) ReleaseLock(ctx context.Context, key string, token LockToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.Token != token {
		return NewConcurrencyError(ErrCodeInvalidToken, "not the holder", nil)
	}
	delete(m.leases, key)
	return nil
}

func (m *memBackend) Lease(ctx context.Context, key string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.Expired(time.Now()) {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memBackend) version(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[key]
}

func (m *memBackend) locked(key string) bool {
	l, _ := m.Lease(context.Background(), key)
	return l != nil
}

// flakyBackend wraps memBackend with injectable lease renewal and state
// write failures.
type flakyBackend struct {
	*memBackend

	fmu         sync.Mutex
	failRenewal int // renewals still to fail; negative fails every renewal
	failedRenew int
	writeErr    error
}

func (f *flakyBackend) RenewLock(ctx context.Context, key string, token LockToken, ttl time.Duration) error {
	f.fmu.Lock()
	if f.failRenewal != 0 {
		if f.failRenewal > 0 {
			f.failRenewal--
		}
		f.failedRenew++
		f.fmu.Unlock()
		return fmt.Errorf("renew %s: connection reset", key)
	}
	f.fmu.Unlock()
	return f.memBackend.RenewLock(ctx, key, token, ttl)
}

func (f *flakyBackend) Write(ctx context.Context, key string, blob StateBlob, expectedVersion int64) (int64, error) {
	f.fmu.Lock()
	err := f.writeErr
	f.fmu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.memBackend.Write(ctx, key, blob, expectedVersion)
}

func (f *flakyBackend) setRenewalFailures(n int) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.failRenewal = n
}

func (f *flakyBackend) renewalFailures() int {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	return f.failedRenew
}

// memStore is an in-memory WorkspaceStore, ApprovalStore and AuditLog.
type memStore struct {
	mu         sync.Mutex
	workspaces map[Region]*Workspace
	order      []Region
	approvals  []*ApprovalRecord
	audit      []string
}

func newMemStore() *memStore {
	return &memStore{workspaces: make(map[Region]*Workspace)}
}

func (m *memStore) CreateWorkspace(ctx context.Context, ws *Workspace) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workspaces[ws.Region]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *ws
	m.workspaces[ws.Region] = &cp
	m.order = append(m.order, ws.Region)
	out := cp
	return &out, nil
}

func (m *memStore) GetWorkspace(ctx context.Context, region Region) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[region]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (m *memStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[ws.Region]; !ok {
		return ErrNotFound
	}
	cp := *ws
	m.workspaces[ws.Region] = &cp
	return nil
}

func (m *memStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, 0, len(m.order))
	for _, r := range m.order {
		cp := *m.workspaces[r]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SaveApproval(ctx context.Context, rec *ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.approvals = append(m.approvals, &cp)
	return nil
}

func (m *memStore) LatestApproval(ctx context.Context, region Region) (*ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.approvals) - 1; i >= 0; i-- {
		if m.approvals[i].Region == region {
			cp := *m.approvals[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) MarkApprovalUsed(ctx context.Context, pendingID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.approvals {
		if rec.PendingID != pendingID || rec.Decision != DecisionApproved {
			continue
		}
		if rec.UsedAt != nil {
			return NewApprovalError(ErrCodeStaleApproval, "approval already used", nil)
		}
		rec.UsedAt = &at
		return nil
	}
	return ErrNotFound
}

func (m *memStore) Record(ctx context.Context, action, actor, target string, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, fmt.Sprintf("%s %s %s", action, actor, target))
	return nil
}

func (m *memStore) status(region Region) WorkspaceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[region]; ok {
		return ws.Status
	}
	return ""
}

// fakeIaC is a scripted IaCExecutor.
type fakeIaC struct {
	mu         sync.Mutex
	changes    []ResourceChange
	planErr    error
	applyResp  *ApplyResponse
	applyErr   error
	applyCalls int
	planCalls  int
	lastParams map[string]interface{}

	// entered is signalled when Apply starts; Apply then waits on release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeIaC) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls++
	f.lastParams = req.Params
	if f.planErr != nil {
		return nil, f.planErr
	}
	out := make([]ResourceChange, len(f.changes))
	copy(out, f.changes)
	if req.Destroy {
		for i := range out {
			out[i].Action = ActionDelete
		}
	}
	return &PlanResponse{Changes: out}, nil
}

func (f *fakeIaC) Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	return f.mutate(req)
}

func (f *fakeIaC) Destroy(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	return f.mutate(req)
}

func (f *fakeIaC) mutate(req ApplyRequest) (*ApplyResponse, error) {
	f.mu.Lock()
	f.applyCalls++
	entered, release := f.entered, f.release
	resp, err := f.applyResp, f.applyErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if resp == nil && err == nil {
		changed := make([]string, 0, len(req.Changes))
		for _, c := range req.Changes {
			changed = append(changed, c.Resource)
		}
		resp = &ApplyResponse{
			NewState: StateBlob(fmt.Sprintf(`{"region":%q,"destroy":%t}`, req.Region, req.Destroy)),
			Changed:  changed,
		}
	}
	return resp, err
}

func (f *fakeIaC) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCalls
}

// mapValues is a ValuesSource backed by a map.
type mapValues map[Region]map[string]interface{}

func (m mapValues) Values(ctx context.Context, region Region) (map[string]interface{}, bool, error) {
	v, ok := m[region]
	return v, ok, nil
}

// staticPolicy denies every change set that deletes a resource when denyDeletes is set.
type staticPolicy struct {
	denyDeletes bool
	warnings    []string
}

func (p staticPolicy) EvaluateChangeSet(ctx context.Context, cs *ChangeSet) (*PolicyDecision, error) {
	d := &PolicyDecision{Allowed: true, Warnings: p.warnings}
	if p.denyDeletes {
		for _, c := range cs.Changes {
			if c.Action == ActionDelete {
				d.Allowed = false
				d.Violations = append(d.Violations, "delete of "+c.Resource+" is not allowed")
			}
		}
	}
	return d, nil
}

// allowList authorizes only the listed actors.
type allowList []string

func (a allowList) Authorize(ctx context.Context, actor string, pending PendingApproval) (bool, error) {
	for _, allowed := range a {
		if allowed == actor {
			return true, nil
		}
	}
	return false, nil
}

// recordingNotifier captures bootstrap notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	applied []Region
}

func (n *recordingNotifier) RegionApplied(ctx context.Context, ws *Workspace) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, ws.Region)
	return nil
}

func (n *recordingNotifier) regions() []Region {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]Region(nil), n.applied...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
