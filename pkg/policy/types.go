package policy

import (
	"time"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a change set.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the resource identifier the violation refers to, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// String renders the violation as "<policy>: <message>".
func (v PolicyViolation) String() string {
	if v.Resource != "" {
		return v.Policy + ": " + v.Message + " (" + v.Resource + ")"
	}
	return v.Policy + ": " + v.Message
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the operation is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists all blocking policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policy findings that don't block operations.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`

	// Context contains evaluation context information.
	Context *PolicyContext `json:"context,omitempty"`
}

// Decision converts the result into the engine's decision type.
func (r *PolicyResult) Decision() *engine.PolicyDecision {
	d := &engine.PolicyDecision{Allowed: r.Allowed}
	for _, v := range r.Violations {
		d.Violations = append(d.Violations, v.String())
	}
	for _, w := range r.Warnings {
		d.Warnings = append(d.Warnings, w.String())
	}
	return d
}

// PolicyInput is the document exposed to deny policies as input.
type PolicyInput struct {
	// ChangeSet is the change set being evaluated.
	ChangeSet *ChangeSetInput `json:"change_set"`

	// Limits carries the engine's configured thresholds.
	Limits Limits `json:"limits"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// ChangeSetInput is the policy view of an engine.ChangeSet. Secret parameter
// values are redacted before they reach a policy.
type ChangeSetInput struct {
	ID           string                  `json:"id"`
	Region       string                  `json:"region"`
	Destroy      bool                    `json:"destroy"`
	Hash         string                  `json:"hash"`
	StateVersion int64                   `json:"state_version"`
	Changes      []engine.ResourceChange `json:"changes"`
	Summary      engine.ChangeSummary    `json:"summary"`
	Params       map[string]interface{}  `json:"params"`
}

// Limits are thresholds referenced by the built-in policies.
type Limits struct {
	// MaxDeletes caps deletions in a non-destroy change set. Zero disables the check.
	MaxDeletes int `json:"max_deletes"`

	// ProtectedResources lists resource identifier prefixes that may only be
	// removed by an explicit destroy.
	ProtectedResources []string `json:"protected_resources"`
}

// AuthzInput is the document exposed to the authorization policy as input.
type AuthzInput struct {
	Actor         string               `json:"actor"`
	Region        string               `json:"region"`
	Destroy       bool                 `json:"destroy"`
	ChangeSetHash string               `json:"change_set_hash"`
	Summary       engine.ChangeSummary `json:"summary"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed ("rollout" or "destroy").
	Operation string `json:"operation,omitempty"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
