package stores

import (
	"context"
	"fmt"
)

// BackendConfig selects where state partitions and leases live. Workspace,
// approval and audit records always stay in the SQLite store.
type BackendConfig struct {
	Type string
	S3   S3Config
}

// OpenStateBackend returns the state backend named by cfg. The sqlite
// backend is the store itself.
func OpenStateBackend(ctx context.Context, cfg BackendConfig, store *SQLiteStore) (StateBackend, error) {
	switch cfg.Type {
	case "", BackendSQLite:
		if store == nil {
			return nil, fmt.Errorf("sqlite backend requires an initialized store")
		}
		return store, nil
	case BackendS3:
		backend, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
