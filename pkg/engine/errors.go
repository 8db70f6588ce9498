package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error. It drives how the
// rollout coordinator reports a region and whether a caller may retry later.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates missing or invalid parameters, or an
	// invalid infrastructure definition. Fatal for the run, never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassConcurrency indicates lock contention or a version conflict.
	// The caller may retry later; nothing is retried internally.
	ErrorClassConcurrency ErrorClass = "concurrency"

	// ErrorClassApproval indicates a rejected, expired, stale or mismatched approval.
	// Terminates the region's run; other regions are unaffected.
	ErrorClassApproval ErrorClass = "approval"

	// ErrorClassExecution indicates the external IaC executor failed.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassPartialApply indicates a subset of resources was mutated.
	// Requires a manual re-plan.
	ErrorClassPartialApply ErrorClass = "partial_apply"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Region is the region the error relates to, if applicable.
	Region string `json:"region,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Region != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (region=%s, operation=%s)", msg, e.Region, e.Operation)
	case e.Region != "":
		msg = fmt.Sprintf("%s (region=%s)", msg, e.Region)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithRegion adds region context to an error.
func (e *EngineError) WithRegion(region string) *EngineError {
	e.Region = region
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeMissingParameter  = "MISSING_REQUIRED_PARAMETER"
	ErrCodeUnknownRegion     = "UNKNOWN_REGION"
	ErrCodeParameterConflict = "PARAMETER_CONFLICT"
	ErrCodePlanExecution     = "PLAN_EXECUTION"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeAlreadyLocked     = "ALREADY_LOCKED"
	ErrCodeInvalidToken      = "INVALID_TOKEN"
	ErrCodeLeaseLost         = "LEASE_LOST"
	ErrCodeStalePlan         = "STALE_PLAN"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeApprovalExpired   = "APPROVAL_EXPIRED"
	ErrCodeStaleApproval     = "STALE_APPROVAL"
	ErrCodeApprovalMismatch  = "APPROVAL_MISMATCH"
	ErrCodeUnauthorizedActor = "UNAUTHORIZED_APPROVER"
	ErrCodeChangeSetConsumed = "CHANGESET_CONSUMED"
	ErrCodeApplyExecution    = "APPLY_EXECUTION"
	ErrCodePartialApply      = "PARTIAL_APPLY"
)

// Sentinels for errors.Is. Only Class and Code take part in matching.
var (
	ErrNotFound                 = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeNotFound, Message: "not found"}
	ErrMissingRequiredParameter = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeMissingParameter, Message: "missing required parameter"}
	ErrUnknownRegion            = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeUnknownRegion, Message: "unknown region"}
	ErrParameterConflict        = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeParameterConflict, Message: "parameter conflict"}
	ErrPlanExecution            = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodePlanExecution, Message: "plan execution failed"}
	ErrPolicyViolation          = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodePolicyViolation, Message: "policy violation"}
	ErrVersionConflict          = &EngineError{Class: ErrorClassConcurrency, Code: ErrCodeVersionConflict, Message: "version conflict"}
	ErrAlreadyLocked            = &EngineError{Class: ErrorClassConcurrency, Code: ErrCodeAlreadyLocked, Message: "already locked"}
	ErrInvalidToken             = &EngineError{Class: ErrorClassConcurrency, Code: ErrCodeInvalidToken, Message: "invalid lock token"}
	ErrLeaseLost                = &EngineError{Class: ErrorClassConcurrency, Code: ErrCodeLeaseLost, Message: "workspace lease lost"}
	ErrStalePlan                = &EngineError{Class: ErrorClassConcurrency, Code: ErrCodeStalePlan, Message: "stale plan"}
	ErrApprovalRejected         = &EngineError{Class: ErrorClassApproval, Code: ErrCodeApprovalRejected, Message: "approval rejected"}
	ErrExpired                  = &EngineError{Class: ErrorClassApproval, Code: ErrCodeApprovalExpired, Message: "approval expired"}
	ErrStaleApproval            = &EngineError{Class: ErrorClassApproval, Code: ErrCodeStaleApproval, Message: "stale approval"}
	ErrApprovalMismatch         = &EngineError{Class: ErrorClassApproval, Code: ErrCodeApprovalMismatch, Message: "approval does not match change set"}
	ErrUnauthorizedApprover     = &EngineError{Class: ErrorClassApproval, Code: ErrCodeUnauthorizedActor, Message: "actor not authorized"}
	ErrChangeSetConsumed        = &EngineError{Class: ErrorClassApproval, Code: ErrCodeChangeSetConsumed, Message: "change set already consumed"}
	ErrApplyExecution           = &EngineError{Class: ErrorClassExecution, Code: ErrCodeApplyExecution, Message: "apply execution failed"}
	ErrPartialApply             = &EngineError{Class: ErrorClassPartialApply, Code: ErrCodePartialApply, Message: "partial apply"}
)

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(code, message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, code, message, err)
}

// NewConcurrencyError creates a new concurrency error.
func NewConcurrencyError(code, message string, err error) *EngineError {
	return newError(ErrorClassConcurrency, code, message, err)
}

// NewApprovalError creates a new approval error.
func NewApprovalError(code, message string, err error) *EngineError {
	return newError(ErrorClassApproval, code, message, err)
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, ErrCodeApplyExecution, message, err)
}

// NewPartialApplyError creates an error carrying the resources the executor
// could not bring to the desired state.
func NewPartialApplyError(region string, unresolved []string, err error) *EngineError {
	e := newError(ErrorClassPartialApply, ErrCodePartialApply,
		fmt.Sprintf("%d resource(s) unresolved, re-plan required", len(unresolved)), err)
	e.Region = region
	return e.WithDetail("unresolved", append([]string(nil), unresolved...))
}

// UnresolvedResources returns the resources carried by a partial apply error.
func UnresolvedResources(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) || e.Class != ErrorClassPartialApply {
		return nil
	}
	res, _ := e.Details["unresolved"].([]string)
	return res
}

// ClassOf returns the class of an engine error, or the empty class.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of an engine error, or the empty string.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsConcurrency returns true if the error is classified as a concurrency error.
func IsConcurrency(err error) bool {
	return ClassOf(err) == ErrorClassConcurrency
}

// IsApproval returns true if the error is classified as an approval error.
func IsApproval(err error) bool {
	return ClassOf(err) == ErrorClassApproval
}

// IsRetryableLater reports whether a caller may retry the whole operation later.
// Only concurrency errors qualify; the engine itself never retries.
func IsRetryableLater(err error) bool {
	return IsConcurrency(err)
}
