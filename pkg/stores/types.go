package stores

import (
	"context"
	"time"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// Backend types accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`            // e.g., "apply", "apply-destroy", "approval.approved"
	Actor     string    `json:"actor"`             // operator or system identifier
	Target    *string   `json:"target,omitempty"`  // region
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// StateBackend is the lifecycle-managed form of engine.StateBackend.
type StateBackend interface {
	engine.StateBackend

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// State partitions and leases
	engine.StateBackend

	// Workspace records
	engine.WorkspaceStore

	// Approval records
	engine.ApprovalStore
	ListApprovals(ctx context.Context, region *string, limit, offset int) ([]*engine.ApprovalRecord, error)

	// Audit operations
	engine.AuditLog
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
