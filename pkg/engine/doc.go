// Package engine provides the orchestration core of regionctl.
//
// # Overview
//
// regionctl applies one region-agnostic infrastructure definition to any
// number of regions. Each region owns an isolated state partition (its
// workspace). A run for one region goes through five steps:
//
//  1. Ensure - Look up or create the region's workspace (WorkspaceRegistry)
//  2. Resolve - Merge the parameter layers (ParameterResolver)
//  3. Plan - Ask the IaC executor for a diff and hash it (Planner)
//  4. Approve - Hold the change set until an actor decides (ApprovalGate)
//  5. Apply - Mutate under the workspace lock (Executor)
//
// The Coordinator sequences these steps across regions, strictly one region
// at a time, and aggregates a RolloutReport.
//
// # Collaborators
//
// The engine depends only on interfaces:
//
//   - StateBackend: versioned state blobs with conditional writes and lease locks
//   - WorkspaceStore, ApprovalStore, AuditLog: persistence of records
//   - IaCExecutor: the external plan/apply/destroy executor
//   - ValuesSource, SecretSource: the parameter layers
//   - ChangeSetPolicy, Authorizer: policy checks on plans and approvers
//   - BootstrapNotifier: told when a region reaches applied
//
// Implementations live in the stores, config, policy and executor packages.
//
// # Error Classification
//
// Every error surfaced by a component is an *EngineError with a class:
//
//   - configuration: missing or invalid parameters, failed plans
//   - concurrency: lock contention, version conflicts, stale plans
//   - approval: rejected, expired, stale or mismatched approvals
//   - execution: the IaC executor failed
//   - partial_apply: some resources were mutated, a re-plan is required
//
// Nothing is retried internally. Use errors.Is with the exported sentinels:
//
//	if errors.Is(err, engine.ErrAlreadyLocked) {
//	    // another applier holds the region, try again later
//	}
//
// # Concurrency
//
// Regions within one rollout run sequentially. Two rollouts may target
// disjoint regions concurrently; the per-region lease lock is the unit of
// exclusivity. A change set is single use: applying or discarding it
// invalidates it for replay.
package engine
