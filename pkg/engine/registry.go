package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPartitionPrefix is the key prefix under which region state lives.
const DefaultPartitionPrefix = "regions"

// WorkspaceRegistry maps regions to their state partitions.
type WorkspaceRegistry struct {
	store  WorkspaceStore
	prefix string
	logger zerolog.Logger

	// mu serializes Ensure within one process; the store's insert-if-absent
	// covers concurrent orchestrator instances.
	mu sync.Mutex
}

// NewWorkspaceRegistry creates a registry persisting to the given store.
func NewWorkspaceRegistry(store WorkspaceStore, prefix string, logger zerolog.Logger) *WorkspaceRegistry {
	if prefix == "" {
		prefix = DefaultPartitionPrefix
	}
	return &WorkspaceRegistry{
		store:  store,
		prefix: prefix,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// PartitionKey returns the state partition key for a region.
func (r *WorkspaceRegistry) PartitionKey(region Region) string {
	return path.Join(r.prefix, string(region))
}

// Ensure returns the region's workspace, creating it with an empty state
// partition on first use. Calling it repeatedly yields the same workspace.
func (r *WorkspaceRegistry) Ensure(ctx context.Context, region Region) (*Workspace, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := r.store.GetWorkspace(ctx, region)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up workspace %s: %w", region, err)
	}

	now := time.Now().UTC()
	ws, err = r.store.CreateWorkspace(ctx, &Workspace{
		Region:       region,
		PartitionKey: r.PartitionKey(region),
		Status:       StatusAbsent,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", region, err)
	}

	r.logger.Info().
		Str("region", string(region)).
		Str("partition_key", ws.PartitionKey).
		Msg("Workspace created")

	return ws, nil
}

// Get returns the workspace for a region or ErrNotFound.
func (r *WorkspaceRegistry) Get(ctx context.Context, region Region) (*Workspace, error) {
	ws, err := r.store.GetWorkspace(ctx, region)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewConfigurationError(ErrCodeNotFound, "workspace not found", err).
				WithRegion(string(region))
		}
		return nil, fmt.Errorf("failed to get workspace %s: %w", region, err)
	}
	return ws, nil
}

// SetStatus records the outcome of a mutation. Only the executor calls it.
func (r *WorkspaceRegistry) SetStatus(ctx context.Context, region Region, status WorkspaceStatus) error {
	if err := status.Validate(); err != nil {
		return NewConfigurationError(ErrCodeValidation, "invalid status", err).WithRegion(string(region))
	}
	return r.update(ctx, region, func(ws *Workspace) {
		ws.Status = status
	})
}

// update applies fn to the stored workspace and writes it back.
func (r *WorkspaceRegistry) update(ctx context.Context, region Region, fn func(ws *Workspace)) error {
	ws, err := r.Get(ctx, region)
	if err != nil {
		return err
	}
	before := ws.Status
	fn(ws)
	ws.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateWorkspace(ctx, ws); err != nil {
		return fmt.Errorf("failed to update workspace %s: %w", region, err)
	}
	if before != ws.Status {
		r.logger.Debug().
			Str("region", string(region)).
			Str("from", string(before)).
			Str("to", string(ws.Status)).
			Msg("Workspace status changed")
	}
	return nil
}

// List returns every known region in insertion order.
func (r *WorkspaceRegistry) List(ctx context.Context) ([]Region, error) {
	all, err := r.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	regions := make([]Region, 0, len(all))
	for _, ws := range all {
		regions = append(regions, ws.Region)
	}
	return regions, nil
}
