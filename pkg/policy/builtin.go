package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in change set policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		maxDeletionsPolicy(),
		destroyScopePolicy(),
		destructiveChangesPolicy(),
		encryptionPolicy(),
	}
}

// protectedResourcesPolicy blocks removal of protected resources outside destroy.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Protected resources may only be removed by an explicit destroy",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "deletion"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package regionctl.policies.protected

import rego.v1

deny contains violation if {
	not input.change_set.destroy
	some change in input.change_set.changes
	change.action == "delete"
	some prefix in input.limits.protected_resources
	startswith(change.resource, prefix)
	violation := {
		"message": sprintf("protected resource %s may only be removed by destroy", [change.resource]),
		"severity": "error",
		"resource": change.resource,
	}
}
`,
	}
}

// maxDeletionsPolicy caps the number of deletions in a rollout change set.
func maxDeletionsPolicy() Policy {
	return Policy{
		Name:        "max-deletions",
		Description: "Rollout change sets may not delete more resources than the configured limit",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "deletion"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package regionctl.policies.deletions

import rego.v1

deny contains violation if {
	not input.change_set.destroy
	input.limits.max_deletes > 0
	input.change_set.summary.to_delete > input.limits.max_deletes
	violation := {
		"message": sprintf("change set deletes %d resources, limit is %d", [input.change_set.summary.to_delete, input.limits.max_deletes]),
		"severity": "error",
	}
}
`,
	}
}

// destroyScopePolicy rejects destroy change sets that would create or update.
func destroyScopePolicy() Policy {
	return Policy{
		Name:        "destroy-scope",
		Description: "Destroy change sets may only delete resources",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "destroy"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package regionctl.policies.destroy

import rego.v1

allowed_actions := {"delete", "no-op"}

deny contains violation if {
	input.change_set.destroy
	some change in input.change_set.changes
	not allowed_actions[change.action]
	violation := {
		"message": sprintf("destroy change set would %s %s", [change.action, change.resource]),
		"severity": "critical",
		"resource": change.resource,
	}
}
`,
	}
}

// destructiveChangesPolicy warns about deletions in rollout change sets.
func destructiveChangesPolicy() Policy {
	return Policy{
		Name:        "destructive-changes",
		Description: "Flags rollout change sets that delete resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"deletion"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package regionctl.policies.destructive

import rego.v1

deny contains violation if {
	not input.change_set.destroy
	some change in input.change_set.changes
	change.action == "delete"
	violation := {
		"message": sprintf("rollout deletes %s", [change.resource]),
		"severity": "warning",
		"resource": change.resource,
	}
}
`,
	}
}

// encryptionPolicy rejects rollouts that turn off volume encryption.
func encryptionPolicy() Policy {
	return Policy{
		Name:        "encryption-at-rest",
		Description: "Volume encryption may not be disabled",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package regionctl.policies.encryption

import rego.v1

deny contains violation if {
	not input.change_set.destroy
	input.change_set.params.ebsEncrypted == false
	violation := {
		"message": "ebsEncrypted must not be false",
		"severity": "error",
	}
}
`,
	}
}

// authzModule decides who may approve or reject a pending change set.
// data.regionctl.approvers maps region ids, or "*" for every region, to
// actor lists. An empty mapping admits every non-system actor.
const authzModule = `package regionctl.authz

import rego.v1

default allow := false

default approvers := {}

approvers := data.regionctl.approvers

system_actor if startswith(input.actor, "system:")

allow if {
	not system_actor
	input.actor != ""
	count(approvers) == 0
}

allow if {
	not system_actor
	some actor in object.get(approvers, input.region, [])
	actor == input.actor
}

allow if {
	not system_actor
	some actor in object.get(approvers, "*", [])
	actor == input.actor
}
`

// authzQuery is the rule queried by Engine.Authorize.
const authzQuery = "data.regionctl.authz.allow"
