package engine

import (
	"context"
	"time"
)

// StateBackend reads and writes versioned state blobs in a durable,
// strongly-consistent store and provides lease locks per partition key.
type StateBackend interface {
	// Read returns the state blob and its version. A partition that was never
	// written reads as a nil blob at version 0.
	Read(ctx context.Context, key string) (StateBlob, int64, error)

	// Write stores the blob if the current version equals expectedVersion and
	// returns the new version. A mismatch fails with ErrVersionConflict.
	Write(ctx context.Context, key string, blob StateBlob, expectedVersion int64) (int64, error)

	// AcquireLock takes a lease on the partition. A live lease held by anyone
	// fails with ErrAlreadyLocked; an expired lease is reclaimed.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (LockToken, error)

	// RenewLock extends a held lease. A token that no longer holds the lease
	// fails with ErrInvalidToken.
	RenewLock(ctx context.Context, key string, token LockToken, ttl time.Duration) error

	// ReleaseLock releases a held lease. A token that no longer holds the lease
	// fails with ErrInvalidToken.
	ReleaseLock(ctx context.Context, key string, token LockToken) error

	// Lease returns the live lease on the partition, or nil when unlocked.
	Lease(ctx context.Context, key string) (*Lease, error)
}

// WorkspaceStore persists workspace records.
type WorkspaceStore interface {
	// CreateWorkspace inserts the workspace unless one already exists for the
	// region, and returns the stored record in either case.
	CreateWorkspace(ctx context.Context, ws *Workspace) (*Workspace, error)

	// GetWorkspace returns the workspace for a region or ErrNotFound.
	GetWorkspace(ctx context.Context, region Region) (*Workspace, error)

	// UpdateWorkspace replaces the mutable fields of a workspace.
	UpdateWorkspace(ctx context.Context, ws *Workspace) error

	// ListWorkspaces returns every workspace in creation order.
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
}

// ApprovalStore persists approval records for audit and for the
// "most recent record per workspace" check.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, rec *ApprovalRecord) error
	LatestApproval(ctx context.Context, region Region) (*ApprovalRecord, error)

	// MarkApprovalUsed records that an approved record authorized a run. It
	// fails with ErrStaleApproval if the record was already used.
	MarkApprovalUsed(ctx context.Context, pendingID string, at time.Time) error
}

// AuditLog records orchestrator actions.
type AuditLog interface {
	Record(ctx context.Context, action, actor, target string, details map[string]interface{}) error
}

// PlanRequest is the input of an executor plan call.
type PlanRequest struct {
	Region  Region                 `json:"region"`
	State   StateBlob              `json:"state,omitempty"`
	Params  map[string]interface{} `json:"params"`
	Destroy bool                   `json:"destroy"`
}

// PlanResponse is the diff reported by the executor.
type PlanResponse struct {
	Changes []ResourceChange `json:"changes"`
}

// ApplyRequest is the input of an executor apply or destroy call.
type ApplyRequest struct {
	Region  Region                 `json:"region"`
	State   StateBlob              `json:"state,omitempty"`
	Params  map[string]interface{} `json:"params"`
	Changes []ResourceChange       `json:"changes"`
	Destroy bool                   `json:"destroy"`
}

// ApplyResponse is the outcome reported by the executor. Failed lists the
// resources left unresolved; a non-empty list is a partial failure and
// NewState then holds whatever state the executor managed to record.
type ApplyResponse struct {
	NewState StateBlob `json:"new_state,omitempty"`
	Changed  []string  `json:"changed,omitempty"`
	Failed   []string  `json:"failed,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// IaCExecutor is the external declarative executor. It is assumed idempotent
// and deterministic given identical inputs.
type IaCExecutor interface {
	// Plan computes the diff between desired and current state.
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)

	// Apply mutates infrastructure towards the desired state.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)

	// Destroy removes every resource recorded in the state.
	Destroy(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)
}

// ValuesSource supplies the per-region values document.
type ValuesSource interface {
	// Values returns the flat values document for a region. found is false
	// when no document exists for the region.
	Values(ctx context.Context, region Region) (values map[string]interface{}, found bool, err error)
}

// SecretSource supplies run-time secret overrides, e.g. from the environment.
type SecretSource interface {
	Secrets(ctx context.Context, region Region) (map[string]string, error)
}

// ChangeSetPolicy evaluates a change set before it is offered for approval.
type ChangeSetPolicy interface {
	EvaluateChangeSet(ctx context.Context, cs *ChangeSet) (*PolicyDecision, error)
}

// Authorizer decides whether an actor may decide on a pending change set.
type Authorizer interface {
	Authorize(ctx context.Context, actor string, pending PendingApproval) (bool, error)
}

// PolicyDecision is the result of a change set policy evaluation.
type PolicyDecision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// BootstrapNotifier is told when a region reaches applied, so that a separate
// cluster bootstrap can start.
type BootstrapNotifier interface {
	RegionApplied(ctx context.Context, ws *Workspace) error
}

// Observer receives lifecycle notifications for metrics and tracing.
type Observer interface {
	RegionStarted(ctx context.Context, op string, region Region) context.Context
	RegionFinished(ctx context.Context, op string, result *RunResult)
	LockContended(region Region)
	ApprovalDecided(rec *ApprovalRecord, waited time.Duration)
}

type nopObserver struct{}

func (nopObserver) RegionStarted(ctx context.Context, _ string, _ Region) context.Context {
	return ctx
}
func (nopObserver) RegionFinished(context.Context, string, *RunResult) {}
func (nopObserver) LockContended(Region)                                {}
func (nopObserver) ApprovalDecided(*ApprovalRecord, time.Duration)      {}
