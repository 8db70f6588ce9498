package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/regionctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a distinct database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Read returns the state blob and version of a partition.
func (s *SQLiteStore) Read(ctx context.Context, key string) (engine.StateBlob, int64, error) {
	query := `SELECT blob, version FROM state WHERE partition_key = ?`

	var (
		blob    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&blob, &version)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read state %s: %w", key, err)
	}

	return engine.StateBlob(blob), version, nil
}

// Write stores a blob if the partition is still at expectedVersion.
func (s *SQLiteStore) Write(ctx context.Context, key string, blob engine.StateBlob, expectedVersion int64) (int64, error) {
	now := s.now().UTC()

	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO state (partition_key, blob, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(partition_key) DO NOTHING
		`, key, []byte(blob), now)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE state
			SET blob = ?, version = version + 1, updated_at = ?
			WHERE partition_key = ? AND version = ?
		`, []byte(blob), now, key, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write state %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return 0, engine.NewConcurrencyError(engine.ErrCodeVersionConflict,
			fmt.Sprintf("state %s is not at version %d", key, expectedVersion), nil).
			WithDetail("key", key)
	}

	return expectedVersion + 1, nil
}

// AcquireLock takes the lease on a partition, reclaiming an expired one.
func (s *SQLiteStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (engine.LockToken, error) {
	now := s.now()
	token := engine.LockToken(uuid.New().String())

	query := `
		INSERT INTO locks (partition_key, token, holder, expires_at, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(partition_key) DO UPDATE SET
			token = excluded.token,
			holder = excluded.holder,
			expires_at = excluded.expires_at,
			acquired_at = excluded.acquired_at
		WHERE locks.expires_at <= ?
	`

	result, err := s.db.ExecContext(ctx, query,
		key,
		string(token),
		holder,
		now.Add(ttl).UnixNano(),
		now.UTC(),
		now.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		lease, _ := s.Lease(ctx, key)
		e := engine.NewConcurrencyError(engine.ErrCodeAlreadyLocked, fmt.Sprintf("partition %s is locked", key), nil).
			WithDetail("key", key)
		if lease != nil {
			e = e.WithDetail("holder", lease.Holder).WithDetail("expires_at", lease.ExpiresAt)
		}
		return "", e
	}

	return token, nil
}

// RenewLock extends a lease still held by token.
func (s *SQLiteStore) RenewLock(ctx context.Context, key string, token engine.LockToken, ttl time.Duration) error {
	query := `UPDATE locks SET expires_at = ? WHERE partition_key = ? AND token = ?`

	result, err := s.db.ExecContext(ctx, query, s.now().Add(ttl).UnixNano(), key, string(token))
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", key, err)
	}

	return lockRowsAffected(result, key)
}

// ReleaseLock releases a lease still held by token.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, key string, token engine.LockToken) error {
	query := `DELETE FROM locks WHERE partition_key = ? AND token = ?`

	result, err := s.db.ExecContext(ctx, query, key, string(token))
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	return lockRowsAffected(result, key)
}

func lockRowsAffected(result sql.Result, key string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return engine.NewConcurrencyError(engine.ErrCodeInvalidToken,
			fmt.Sprintf("token does not hold the lease on %s", key), nil).
			WithDetail("key", key)
	}

	return nil
}

// Lease returns the live lease on a partition, or nil.
func (s *SQLiteStore) Lease(ctx context.Context, key string) (*engine.Lease, error) {
	query := `
		SELECT token, holder, expires_at
		FROM locks
		WHERE partition_key = ? AND expires_at > ?
	`

	var (
		token     string
		lease     = &engine.Lease{Key: key}
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixNano()).Scan(&token, &lease.Holder, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}

	lease.Token = engine.LockToken(token)
	lease.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return lease, nil
}

// CreateWorkspace inserts a workspace unless the region already has one.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *engine.Workspace) (*engine.Workspace, error) {
	query := `
		INSERT INTO workspaces (region, partition_key, lock_token, status, state_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		string(ws.Region),
		ws.PartitionKey,
		nullableToken(ws.LockToken),
		string(ws.Status),
		ws.StateVersion,
		ws.CreatedAt.UTC(),
		ws.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	return s.GetWorkspace(ctx, ws.Region)
}

// GetWorkspace retrieves the workspace of a region
func (s *SQLiteStore) GetWorkspace(ctx context.Context, region engine.Region) (*engine.Workspace, error) {
	query := `
		SELECT region, partition_key, lock_token, status, state_version, created_at, updated_at
		FROM workspaces
		WHERE region = ?
	`

	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, string(region)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace not found: %s: %w", region, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}

	return ws, nil
}

// UpdateWorkspace replaces the mutable fields of a workspace
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *engine.Workspace) error {
	query := `
		UPDATE workspaces
		SET lock_token = ?, status = ?, state_version = ?, updated_at = ?
		WHERE region = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		nullableToken(ws.LockToken),
		string(ws.Status),
		ws.StateVersion,
		ws.UpdatedAt.UTC(),
		string(ws.Region),
	)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("workspace not found: %s: %w", ws.Region, engine.ErrNotFound)
	}

	return nil
}

// ListWorkspaces lists all workspaces in creation order
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*engine.Workspace, error) {
	query := `
		SELECT region, partition_key, lock_token, status, state_version, created_at, updated_at
		FROM workspaces
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := []*engine.Workspace{}
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}

	return workspaces, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row rowScanner) (*engine.Workspace, error) {
	var (
		ws     engine.Workspace
		region string
		status string
		token  sql.NullString
	)
	if err := row.Scan(
		&region,
		&ws.PartitionKey,
		&token,
		&status,
		&ws.StateVersion,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	); err != nil {
		return nil, err
	}

	ws.Region = engine.Region(region)
	ws.Status = engine.WorkspaceStatus(status)
	if token.Valid {
		t := engine.LockToken(token.String)
		ws.LockToken = &t
	}
	return &ws, nil
}

func nullableToken(t *engine.LockToken) interface{} {
	if t == nil {
		return nil
	}
	return string(*t)
}

// SaveApproval appends an approval record and its audit entry.
func (s *SQLiteStore) SaveApproval(ctx context.Context, rec *engine.ApprovalRecord) error {
	query := `
		INSERT INTO approvals (pending_id, region, decision, actor, comment, change_set_hash, decided_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.PendingID,
		string(rec.Region),
		string(rec.Decision),
		rec.Actor,
		rec.Comment,
		rec.ChangeSetHash,
		rec.DecidedAt.UTC(),
		rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}

	details := map[string]interface{}{
		"pending_id":      rec.PendingID,
		"change_set_hash": rec.ChangeSetHash,
	}
	if rec.Comment != "" {
		details["comment"] = rec.Comment
	}
	return s.Record(ctx, "approval."+string(rec.Decision), rec.Actor, string(rec.Region), details)
}

// LatestApproval returns the most recent approval record of a region
func (s *SQLiteStore) LatestApproval(ctx context.Context, region engine.Region) (*engine.ApprovalRecord, error) {
	query := `
		SELECT pending_id, region, decision, actor, comment, change_set_hash, decided_at, expires_at, used_at
		FROM approvals
		WHERE region = ?
		ORDER BY id DESC
		LIMIT 1
	`

	rec, err := scanApproval(s.db.QueryRowContext(ctx, query, string(region)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no approval recorded for %s: %w", region, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	return rec, nil
}

// MarkApprovalUsed records that an approved record authorized a run. A
// record can be used once.
func (s *SQLiteStore) MarkApprovalUsed(ctx context.Context, pendingID string, at time.Time) error {
	query := `
		UPDATE approvals SET used_at = ?
		WHERE pending_id = ? AND decision = 'approved' AND used_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, at.UTC(), pendingID)
	if err != nil {
		return fmt.Errorf("failed to mark approval used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewApprovalError(engine.ErrCodeStaleApproval,
			fmt.Sprintf("approval %s is not an unused approval", pendingID), nil)
	}
	return nil
}

// ListApprovals lists approval records, newest first, optionally for one region
func (s *SQLiteStore) ListApprovals(ctx context.Context, region *string, limit, offset int) ([]*engine.ApprovalRecord, error) {
	query := `
		SELECT pending_id, region, decision, actor, comment, change_set_hash, decided_at, expires_at, used_at
		FROM approvals
		WHERE (? IS NULL OR region = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, region, region, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	records := []*engine.ApprovalRecord{}
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return records, nil
}

func scanApproval(row rowScanner) (*engine.ApprovalRecord, error) {
	var (
		rec      engine.ApprovalRecord
		region   string
		decision string
		comment  sql.NullString
		usedAt   sql.NullTime
	)
	if err := row.Scan(
		&rec.PendingID,
		&region,
		&decision,
		&rec.Actor,
		&comment,
		&rec.ChangeSetHash,
		&rec.DecidedAt,
		&rec.ExpiresAt,
		&usedAt,
	); err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		rec.UsedAt = &t
	}

	rec.Region = engine.Region(region)
	rec.Decision = engine.ApprovalDecision(decision)
	rec.Comment = comment.String
	return &rec, nil
}

// Record appends an audit entry with JSON-encoded details.
func (s *SQLiteStore) Record(ctx context.Context, action, actor, target string, details map[string]interface{}) error {
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: s.now().UTC(),
	}
	if target != "" {
		entry.Target = &target
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		d := string(data)
		entry.Details = &d
	}
	return s.CreateAuditEntry(ctx, entry)
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.Target,
		entry.Details,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.Target,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
