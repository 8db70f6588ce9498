// Package policy provides Open Policy Agent (OPA) integration for regionctl.
//
// Engine evaluates every planned change set against a set of Rego deny
// policies before the change set is offered for approval, and decides which
// actors may approve or reject a pending change set. It implements
// engine.ChangeSetPolicy and engine.Authorizer.
//
// # Change set policies
//
// A policy is a Rego module defining a deny set. Each member is either a
// string or an object with message, severity and resource keys:
//
//	package regionctl.policies.instances
//
//	import rego.v1
//
//	# Production regions must not shrink below three nodes
//	# severity: error
//	# tags: capacity
//
//	deny contains violation if {
//	    input.change_set.params.nodeCount < 3
//	    violation := {
//	        "message": sprintf("region %s runs only %d nodes", [input.change_set.region, input.change_set.params.nodeCount]),
//	    }
//	}
//
// The input document is PolicyInput: input.change_set carries the region, the
// destroy flag, the ordered changes, a summary, the content hash and the
// parameters with secret values redacted. input.limits carries the engine's
// configured thresholds. Violations of severity error or critical reject the
// change set; info and warning violations are reported as warnings.
//
// # Built-in policies
//
//   - protected-resources: resources matching a protected prefix may only be
//     removed by destroy
//   - max-deletions: rollouts may not delete more than the configured limit
//   - destroy-scope: destroy change sets may only delete
//   - destructive-changes: warns on any deletion in a rollout
//   - encryption-at-rest: ebsEncrypted may not be set to false
//
// # Authorization
//
// Authorize consults the approver lists given through WithApprovers or
// SetApprovers. Keys are region ids or "*" for every region. With no approvers
// configured every named actor is allowed. Actors starting with "system:" are
// never allowed to decide.
//
// # Loading and watching
//
// Loader reads .rego and .json policy files from files or directories.
// Engine.WatchPolicies reloads the policy set through fsnotify whenever a
// policy file changes; a reload that fails to compile keeps the previous set.
package policy
