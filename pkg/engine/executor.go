package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLockTTL is the lease duration used when none is configured.
const DefaultLockTTL = 2 * time.Minute

// ExecutorConfig configures the apply/destroy executor.
type ExecutorConfig struct {
	// Holder identifies this orchestrator instance in lease records.
	Holder string

	// LockTTL is the lease duration. The lease is renewed every LockTTL/3
	// while the IaC executor runs.
	LockTTL time.Duration

	// Notifier, if set, is told about every region that reaches applied.
	Notifier BootstrapNotifier

	// Audit, if set, records every apply and destroy attempt.
	Audit AuditLog

	// Observer receives lock contention notifications.
	Observer Observer
}

// Executor applies approved change sets under the workspace lock.
type Executor struct {
	backend  StateBackend
	registry *WorkspaceRegistry
	gate     *ApprovalGate
	iac      IaCExecutor
	notifier BootstrapNotifier
	audit    AuditLog
	observer Observer
	holder   string
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(backend StateBackend, registry *WorkspaceRegistry, gate *ApprovalGate, iac IaCExecutor, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Holder == "" {
		host, _ := os.Hostname()
		cfg.Holder = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Executor{
		backend:  backend,
		registry: registry,
		gate:     gate,
		iac:      iac,
		notifier: cfg.Notifier,
		audit:    cfg.Audit,
		observer: cfg.Observer,
		holder:   cfg.Holder,
		ttl:      cfg.LockTTL,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Apply brings the workspace to the state described by an approved change
// set. The returned result is never nil; it carries the final workspace
// status whether or not the run succeeded.
func (e *Executor) Apply(ctx context.Context, ws *Workspace, cs *ChangeSet, approval *ApprovalRecord) (*RunResult, error) {
	if cs != nil && cs.Destroy {
		return e.reject(ctx, ws, NewConfigurationError(ErrCodeValidation, "destroy change set passed to apply", nil))
	}
	return e.execute(ctx, ws, cs, approval)
}

// Destroy removes every resource of the workspace using an approved destroy
// change set.
func (e *Executor) Destroy(ctx context.Context, ws *Workspace, cs *ChangeSet, approval *ApprovalRecord) (*RunResult, error) {
	if cs != nil && !cs.Destroy {
		return e.reject(ctx, ws, NewConfigurationError(ErrCodeValidation, "apply change set passed to destroy", nil))
	}
	return e.execute(ctx, ws, cs, approval)
}

func (e *Executor) execute(ctx context.Context, ws *Workspace, cs *ChangeSet, approval *ApprovalRecord) (*RunResult, error) {
	if ws == nil {
		return &RunResult{Outcome: OutcomeFailed}, NewConfigurationError(ErrCodeValidation, "workspace is required", nil)
	}
	start := time.Now()
	result := &RunResult{Region: ws.Region, Status: ws.Status}
	if cs != nil {
		result.ChangeSetHash = cs.Hash
		summary := cs.Summary()
		result.Summary = &summary
	}

	updated, err := e.run(ctx, ws, cs, approval)
	result.Duration = time.Since(start)
	if updated != nil {
		result.Status = updated.Status
	} else if current, getErr := e.registry.Get(context.WithoutCancel(ctx), ws.Region); getErr == nil {
		result.Status = current.Status
	}
	if err != nil {
		result.Outcome = OutcomeFailed
		result.setError(err)
		return result, err
	}
	result.Outcome = OutcomeSucceeded
	return result, nil
}

func (e *Executor) reject(ctx context.Context, ws *Workspace, err *EngineError) (*RunResult, error) {
	result := &RunResult{Outcome: OutcomeFailed}
	if ws != nil {
		result.Region = ws.Region
		result.Status = ws.Status
		err = err.WithRegion(string(ws.Region))
	}
	result.setError(err)
	return result, err
}

func (e *Executor) run(ctx context.Context, ws *Workspace, cs *ChangeSet, approval *ApprovalRecord) (*Workspace, error) {
	if cs == nil || cs.Params() == nil {
		return nil, NewConfigurationError(ErrCodeValidation, "change set was not produced by the planner", nil)
	}
	if cs.Region != ws.Region {
		return nil, NewApprovalError(ErrCodeApprovalMismatch,
			fmt.Sprintf("change set was planned for %s", cs.Region), nil).WithRegion(string(ws.Region))
	}
	op := operationName(cs.Destroy, "apply")
	region := ws.Region
	log := e.logger.With().Str("region", string(region)).Str("operation", op).Logger()

	if err := e.gate.Verify(ctx, cs, approval); err != nil {
		return nil, err
	}

	token, err := e.backend.AcquireLock(ctx, ws.PartitionKey, e.holder, e.ttl)
	if err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			e.observer.LockContended(region)
			log.Warn().Msg("Workspace is locked by another applier")
		}
		return nil, err
	}

	// From here on the run completes even if ctx is cancelled, so that the
	// state write, status update and lock release are never skipped.
	runCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := e.backend.ReleaseLock(runCtx, ws.PartitionKey, token); err != nil {
			log.Error().Err(err).Msg("Failed to release workspace lock")
		}
	}()

	if !cs.consume() {
		return nil, NewApprovalError(ErrCodeChangeSetConsumed, "change set already consumed", nil).
			WithRegion(string(region))
	}
	if err := e.gate.use(runCtx, approval); err != nil {
		return nil, err
	}

	state, version, err := e.backend.Read(runCtx, ws.PartitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", region, err)
	}
	if version != cs.StateVersion || cs.LockToken != nil {
		log.Warn().
			Int64("planned_version", cs.StateVersion).
			Int64("current_version", version).
			Bool("planned_under_lock", cs.LockToken != nil).
			Msg("Change set is stale")
		return nil, NewConcurrencyError(ErrCodeStalePlan, "state changed since the plan was computed, re-plan required", nil).
			WithRegion(string(region)).
			WithOperation(op).
			WithDetail("planned_version", cs.StateVersion).
			WithDetail("current_version", version)
	}

	active := StatusApplying
	if cs.Destroy {
		active = StatusDestroying
	}
	if err := e.registry.update(runCtx, region, func(w *Workspace) {
		w.Status = active
		w.LockToken = &token
	}); err != nil {
		return nil, err
	}

	e.recordAudit(runCtx, op, approval.Actor, cs)
	log.Info().
		Str("hash", cs.Hash).
		Int64("state_version", version).
		Int("changes", len(cs.Changes)).
		Msg("Running executor")

	resp, lost, execErr := e.invoke(runCtx, ws.PartitionKey, token, ApplyRequest{
		Region:  region,
		State:   state,
		Params:  cs.Params().Values(),
		Changes: cs.Changes,
		Destroy: cs.Destroy,
	})

	var partial []string
	if resp != nil {
		partial = resp.Failed
	} else if execErr == nil {
		execErr = errors.New("executor returned no result")
	}

	if lost {
		// Another holder may be mutating the partition now; leave state and
		// the workspace record to it.
		log.Error().Err(execErr).Msg("Workspace lease lost while the executor ran")
		e.finishOwned(runCtx, region, token, version)
		lerr := NewConcurrencyError(ErrCodeLeaseLost,
			"workspace lease lost while the executor ran, state not persisted, re-plan required", execErr).
			WithRegion(string(region)).
			WithOperation(op).
			WithDetail("state_version", version).
			WithDetail("state_persisted", false)
		if len(partial) > 0 {
			lerr.WithDetail("unresolved", partial)
		}
		return nil, lerr
	}

	switch {
	case execErr != nil && len(partial) == 0:
		log.Error().Err(execErr).Msg("Executor failed")
		e.finish(runCtx, region, StatusFailed, version)
		return nil, NewExecutionError("executor failed", execErr).
			WithRegion(string(region)).
			WithOperation(op)

	case len(partial) > 0:
		newVersion := version
		var writeErr error
		if resp.NewState != nil {
			if v, err := e.backend.Write(runCtx, ws.PartitionKey, resp.NewState, version); err != nil {
				writeErr = err
				log.Error().Err(err).Msg("Failed to persist partial state")
			} else {
				newVersion = v
			}
		}
		e.finish(runCtx, region, StatusFailed, newVersion)
		log.Error().Strs("unresolved", partial).Int64("state_version", newVersion).Msg("Partial apply")

		cause := execErr
		if cause == nil && resp.Message != "" {
			cause = errors.New(resp.Message)
		}
		perr := NewPartialApplyError(string(region), partial, cause)
		perr.Operation = op
		perr.WithDetail("state_version", newVersion).
			WithDetail("state_persisted", resp.NewState != nil && writeErr == nil)
		if writeErr != nil {
			perr.WithDetail("state_write_error", writeErr.Error())
		}
		return nil, perr
	}

	newVersion, err := e.backend.Write(runCtx, ws.PartitionKey, resp.NewState, version)
	if err != nil {
		e.finish(runCtx, region, StatusFailed, version)
		log.Error().Err(err).Msg("Failed to persist state after executor run")
		return nil, fmt.Errorf("failed to write state for %s: %w", region, err)
	}

	final := StatusApplied
	if cs.Destroy {
		final = StatusAbsent
	}
	updated := e.finish(runCtx, region, final, newVersion)

	log.Info().
		Int64("state_version", newVersion).
		Int("changed", len(resp.Changed)).
		Str("status", string(final)).
		Msg("Executor run completed")

	if final == StatusApplied && e.notifier != nil && updated != nil {
		if err := e.notifier.RegionApplied(runCtx, updated); err != nil {
			log.Warn().Err(err).Msg("Bootstrap notification failed")
		}
	}

	return updated, nil
}

// invoke runs the IaC executor while a background goroutine keeps the lease
// alive. lost reports that another holder took the lease during the run.
func (e *Executor) invoke(ctx context.Context, key string, token LockToken, req ApplyRequest) (resp *ApplyResponse, lost bool, err error) {
	stop := make(chan struct{})
	lostCh := make(chan bool, 1)
	go func() {
		lostCh <- e.renew(ctx, key, token, stop)
	}()

	if req.Destroy {
		resp, err = e.iac.Destroy(ctx, req)
	} else {
		resp, err = e.iac.Apply(ctx, req)
	}

	close(stop)
	if lost = <-lostCh; lost {
		return resp, true, err
	}

	// Renewals may have failed transiently until the lease ran out. Confirm
	// the lease is still ours before the state write.
	if renewErr := e.backend.RenewLock(ctx, key, token, e.ttl); renewErr != nil {
		if errors.Is(renewErr, ErrInvalidToken) {
			return resp, true, err
		}
		e.logger.Warn().Err(renewErr).Str("key", key).Msg("Failed to confirm workspace lock")
	}
	return resp, false, err
}

// renew extends the lease every ttl/3 until stop is closed. Transient
// failures are retried on the next tick; it returns true once the backend
// reports the token is no longer valid.
func (e *Executor) renew(ctx context.Context, key string, token LockToken, stop <-chan struct{}) bool {
	interval := e.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return false
		case <-ticker.C:
			err := e.backend.RenewLock(ctx, key, token, e.ttl)
			switch {
			case err == nil:
				if failures > 0 {
					e.logger.Info().Str("key", key).Int("failures", failures).Msg("Workspace lock renewed")
				}
				failures = 0
			case errors.Is(err, ErrInvalidToken):
				e.logger.Error().Err(err).Str("key", key).Msg("Workspace lock lost")
				return true
			default:
				failures++
				e.logger.Warn().Err(err).Str("key", key).Int("failures", failures).Msg("Failed to renew workspace lock, retrying")
			}
		}
	}
}

// finishOwned marks the workspace failed unless another holder has already
// recorded its own lock token.
func (e *Executor) finishOwned(ctx context.Context, region Region, token LockToken, version int64) {
	err := e.registry.update(ctx, region, func(w *Workspace) {
		if w.LockToken != nil && *w.LockToken != token {
			return
		}
		w.Status = StatusFailed
		w.StateVersion = version
		w.LockToken = nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("region", string(region)).Msg("Failed to record workspace status")
	}
}

// finish records the terminal status and clears the workspace lock token.
func (e *Executor) finish(ctx context.Context, region Region, status WorkspaceStatus, version int64) *Workspace {
	var out *Workspace
	err := e.registry.update(ctx, region, func(w *Workspace) {
		w.Status = status
		w.StateVersion = version
		w.LockToken = nil
		cp := *w
		out = &cp
	})
	if err != nil {
		e.logger.Error().Err(err).Str("region", string(region)).Msg("Failed to record workspace status")
		return nil
	}
	return out
}

func (e *Executor) recordAudit(ctx context.Context, op, actor string, cs *ChangeSet) {
	if e.audit == nil {
		return
	}
	summary := cs.Summary()
	if err := e.audit.Record(ctx, op, actor, string(cs.Region), map[string]interface{}{
		"change_set_id":   cs.ID,
		"change_set_hash": cs.Hash,
		"state_version":   cs.StateVersion,
		"to_create":       summary.ToCreate,
		"to_update":       summary.ToUpdate,
		"to_delete":       summary.ToDelete,
	}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record audit entry")
	}
}
