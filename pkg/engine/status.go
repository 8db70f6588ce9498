package engine

import (
	"fmt"
)

// WorkspaceStatus represents the last known apply status of a workspace.
type WorkspaceStatus string

const (
	// StatusAbsent indicates no infrastructure exists for the region.
	StatusAbsent WorkspaceStatus = "absent"

	// StatusApplying indicates an apply is in flight.
	StatusApplying WorkspaceStatus = "applying"

	// StatusApplied indicates the last apply completed successfully.
	StatusApplied WorkspaceStatus = "applied"

	// StatusDestroying indicates a destroy is in flight.
	StatusDestroying WorkspaceStatus = "destroying"

	// StatusFailed indicates the last mutation ended in failure or partial failure.
	StatusFailed WorkspaceStatus = "failed"
)

// IsTerminal returns true if the status is the outcome of a finished mutation.
func (s WorkspaceStatus) IsTerminal() bool {
	return s == StatusAbsent || s == StatusApplied || s == StatusFailed
}

// IsActive returns true if a mutation is in flight.
func (s WorkspaceStatus) IsActive() bool {
	return s == StatusApplying || s == StatusDestroying
}

// Validate checks if the workspace status is valid.
func (s WorkspaceStatus) Validate() error {
	switch s {
	case StatusAbsent, StatusApplying, StatusApplied, StatusDestroying, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workspace status: %s", s)
	}
}

// Action represents the action the executor takes on a resource.
type Action string

const (
	// ActionCreate indicates a new resource will be created.
	ActionCreate Action = "create"

	// ActionUpdate indicates an existing resource will be updated.
	ActionUpdate Action = "update"

	// ActionDelete indicates an existing resource will be deleted.
	ActionDelete Action = "delete"

	// ActionNoop indicates the resource is already in the desired state.
	ActionNoop Action = "no-op"
)

// IsDestructive returns true if the action destroys a resource.
func (a Action) IsDestructive() bool {
	return a == ActionDelete
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ApprovalDecision is the terminal decision on a pending change set.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
	DecisionExpired  ApprovalDecision = "expired"
)

// Validate checks that the decision can be supplied by an actor.
// Expired is recorded only by the gate itself.
func (d ApprovalDecision) Validate() error {
	switch d {
	case DecisionApproved, DecisionRejected:
		return nil
	default:
		return fmt.Errorf("invalid approval decision: %s", d)
	}
}

// RunOutcome is the per-region outcome of a rollout.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeSkipped   RunOutcome = "skipped"
)

// Provenance records which layer supplied a parameter value.
type Provenance string

const (
	ProvenanceDefault    Provenance = "default"
	ProvenanceRegionFile Provenance = "region-file"
	ProvenanceSecret     Provenance = "secret-override"
)
