package engine

import (
	"encoding/json"
	"regexp"
	"sort"
	"sync/atomic"
	"time"
)

// Region identifies an independent deployment target (e.g. "eu-central-1").
type Region string

var regionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate checks that the region identifier is usable as a partition key segment.
func (r Region) Validate() error {
	if !regionPattern.MatchString(string(r)) {
		return NewConfigurationError(ErrCodeValidation, "invalid region identifier", nil).
			WithRegion(string(r))
	}
	return nil
}

// Workspace is the state partition and status record for one region.
type Workspace struct {
	// Region is the region this workspace belongs to.
	Region Region `json:"region"`

	// PartitionKey is the state backend key holding this region's state.
	PartitionKey string `json:"partition_key"`

	// LockToken is the token of the lease currently held on the partition, if any.
	LockToken *LockToken `json:"lock_token,omitempty"`

	// Status is the last known apply status.
	Status WorkspaceStatus `json:"status"`

	// StateVersion is the state version observed at the last terminal outcome.
	StateVersion int64 `json:"state_version"`

	// CreatedAt is when the workspace was first ensured.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the workspace record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// LockToken identifies a lease held on a state partition.
type LockToken string

// StateBlob is the opaque state document owned by the IaC executor.
type StateBlob []byte

// Lease describes a held lock.
type Lease struct {
	Key       string    `json:"key"`
	Token     LockToken `json:"token"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is reclaimable at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ResourceChange is one entry of a change set.
type ResourceChange struct {
	// Resource is the resource identifier as reported by the executor.
	Resource string `json:"resource"`

	// Action is the action the executor intends to take.
	Action Action `json:"action"`
}

// ChangeSet is the output of planning.
type ChangeSet struct {
	// ID is the unique identifier of this change set.
	ID string `json:"id"`

	// Region is the region the change set was planned for.
	Region Region `json:"region"`

	// Changes is the ordered list of resource actions, sorted by resource.
	Changes []ResourceChange `json:"changes"`

	// Hash is the content hash over the normalized changes and ParamsHash.
	Hash string `json:"hash"`

	// ParamsHash is the content hash of the parameter set used for planning.
	ParamsHash string `json:"params_hash"`

	// StateVersion is the state version the plan was computed against.
	StateVersion int64 `json:"state_version"`

	// LockToken is the workspace lock token observed at planning time.
	LockToken *LockToken `json:"lock_token,omitempty"`

	// Destroy marks a change set produced for a destroy operation.
	Destroy bool `json:"destroy"`

	// CreatedAt is when the change set was produced.
	CreatedAt time.Time `json:"created_at"`

	params   *ParameterSet
	consumed atomic.Bool
}

// Params returns the parameter set the change set was computed from.
func (c *ChangeSet) Params() *ParameterSet {
	return c.params
}

// Consumed reports whether the change set was already applied or discarded.
func (c *ChangeSet) Consumed() bool {
	return c.consumed.Load()
}

// Discard invalidates the change set without applying it.
func (c *ChangeSet) Discard() {
	c.consumed.Store(true)
}

// consume marks the change set used and reports whether this call did so.
func (c *ChangeSet) consume() bool {
	return c.consumed.CompareAndSwap(false, true)
}

// Summary counts changes by action.
func (c *ChangeSet) Summary() ChangeSummary {
	var s ChangeSummary
	for _, ch := range c.Changes {
		switch ch.Action {
		case ActionCreate:
			s.ToCreate++
		case ActionUpdate:
			s.ToUpdate++
		case ActionDelete:
			s.ToDelete++
		case ActionNoop:
			s.NoChange++
		}
	}
	return s
}

// HasChanges reports whether any change is not a no-op.
func (c *ChangeSet) HasChanges() bool {
	for _, ch := range c.Changes {
		if ch.Action != ActionNoop {
			return true
		}
	}
	return false
}

// ChangeSummary provides statistics about a change set.
type ChangeSummary struct {
	ToCreate int `json:"to_create"`
	ToUpdate int `json:"to_update"`
	ToDelete int `json:"to_delete"`
	NoChange int `json:"no_change"`
}

// ApprovalRecord is the terminal decision on a pending change set.
type ApprovalRecord struct {
	PendingID     string           `json:"pending_id"`
	Region        Region           `json:"region"`
	Decision      ApprovalDecision `json:"decision"`
	Actor         string           `json:"actor"`
	Comment       string           `json:"comment,omitempty"`
	ChangeSetHash string           `json:"change_set_hash"`
	DecidedAt     time.Time        `json:"decided_at"`
	ExpiresAt     time.Time        `json:"expires_at"`

	// UsedAt is set once an apply or destroy has run under the approval.
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// PendingApproval is a change set waiting for a decision.
type PendingApproval struct {
	PendingID     string        `json:"pending_id"`
	Region        Region        `json:"region"`
	ChangeSetHash string        `json:"change_set_hash"`
	Summary       ChangeSummary `json:"summary"`
	Destroy       bool          `json:"destroy"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// RunResult is the per-region outcome of a rollout.
type RunResult struct {
	Region        Region          `json:"region"`
	Outcome       RunOutcome      `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	ErrorClass    ErrorClass      `json:"error_class,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Status        WorkspaceStatus `json:"status"`
	Unresolved    []string        `json:"unresolved,omitempty"`
	ChangeSetHash string          `json:"change_set_hash,omitempty"`
	Summary       *ChangeSummary  `json:"summary,omitempty"`
	Duration      time.Duration   `json:"duration"`

	err error
}

// Err returns the underlying error for failed or skipped results.
func (r *RunResult) Err() error {
	return r.err
}

func (r *RunResult) setError(err error) {
	if err == nil {
		return
	}
	r.err = err
	r.Error = err.Error()
	r.ErrorClass = ClassOf(err)
	r.ErrorCode = CodeOf(err)
	r.Unresolved = UnresolvedResources(err)
}

// RolloutReport aggregates run results across all requested regions.
type RolloutReport struct {
	ID         string      `json:"id"`
	Operation  string      `json:"operation"`
	Results    []RunResult `json:"results"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Count returns the number of results with the given outcome.
func (r *RolloutReport) Count(outcome RunOutcome) int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Outcome == outcome {
			n++
		}
	}
	return n
}

// Failed reports whether every requested region failed.
func (r *RolloutReport) Failed() bool {
	return len(r.Results) > 0 && r.Count(OutcomeFailed) == len(r.Results)
}

// Result returns the result for a region.
func (r *RolloutReport) Result(region Region) (RunResult, bool) {
	for i := range r.Results {
		if r.Results[i].Region == region {
			return r.Results[i], true
		}
	}
	return RunResult{}, false
}

// MarshalJSON renders durations in seconds.
func (r RunResult) MarshalJSON() ([]byte, error) {
	type alias RunResult
	return json.Marshal(struct {
		alias
		Duration float64 `json:"duration"`
	}{alias: alias(r), Duration: r.Duration.Seconds()})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
