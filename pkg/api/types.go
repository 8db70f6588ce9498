package api

import (
	"github.com/openfroyo/regionctl/pkg/engine"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	PendingApproval int    `json:"pending_approvals"`
}

// RegionsResponse is returned by GET /regions.
type RegionsResponse struct {
	Regions []engine.Region `json:"regions"`
}

// RegionResponse is returned by GET /regions/{region}.
type RegionResponse struct {
	Workspace      *engine.Workspace      `json:"workspace"`
	LatestApproval *engine.ApprovalRecord `json:"latest_approval,omitempty"`
}

// ApprovalsResponse is returned by GET /approvals.
type ApprovalsResponse struct {
	Pending []engine.PendingApproval `json:"pending"`
}

// DecisionRequest is the body of POST /approvals/{id}. The decision is
// recorded under the token's actor; Actor, when set, must match it.
type DecisionRequest struct {
	Actor    string                  `json:"actor,omitempty"`
	Decision engine.ApprovalDecision `json:"decision" validate:"required,oneof=approved rejected"`
	Comment  string                  `json:"comment,omitempty"`
}

// DecisionResponse is returned when a decision is recorded.
type DecisionResponse struct {
	Record *engine.ApprovalRecord `json:"record"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
