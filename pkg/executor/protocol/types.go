// Package protocol defines the JSON-lines stdio protocol spoken between
// regionctl and an IaC executor process.
//
// A session is a single exchange:
//
//	executor -> READY
//	regionctl -> CMD (plan | apply | destroy)
//	executor -> EVENT*  then DONE or ERROR
//	regionctl closes stdin
//	executor -> EXIT
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the executor is ready to receive a command
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries a command from regionctl
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries progress from the executor
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the command failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the executor terminates
	MessageTypeExit MessageType = "EXIT"
)

// CommandType is the executor operation requested by a CMD message.
type CommandType string

const (
	// CommandTypePlan computes a diff without mutating anything
	CommandTypePlan CommandType = "plan"
	// CommandTypeApply converges infrastructure towards the desired state
	CommandTypeApply CommandType = "apply"
	// CommandTypeDestroy removes every resource recorded in the state
	CommandTypeDestroy CommandType = "destroy"
)

// Error codes sent in ERROR messages.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeExecution      = "EXECUTION_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once the executor can accept a command.
type ReadyMessage struct {
	Version  string            `json:"version" validate:"required"`
	Executor string            `json:"executor" validate:"required"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage asks the executor to run one operation.
type CommandMessage struct {
	ID             string            `json:"id" validate:"required"`
	Type           CommandType       `json:"type" validate:"required,oneof=plan apply destroy"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Timeout        int               `json:"timeout" validate:"gt=0"` // seconds
	Params         json.RawMessage   `json:"params" validate:"required"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	CommandID string            `json:"command_id" validate:"required"`
	Level     string            `json:"level" validate:"omitempty,oneof=info warn debug"`
	Message   string            `json:"message"`
	Resource  string            `json:"resource,omitempty"`
	Progress  *ProgressInfo     `json:"progress,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string            `json:"command_id" validate:"required"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates the command or session failed.
type ErrorMessage struct {
	CommandID  string            `json:"command_id,omitempty"`
	Code       string            `json:"code" validate:"required"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Retryable  bool              `json:"retryable"`
	RetryAfter int               `json:"retry_after,omitempty"` // seconds
}

// Error implements error.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitMessage is sent before the executor terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Change is one resource action in a plan.
type Change struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required,oneof=create update delete no-op"`
}

// PlanParams are the parameters of a plan command.
type PlanParams struct {
	Region  string                 `json:"region" validate:"required"`
	State   []byte                 `json:"state,omitempty"`
	Params  map[string]interface{} `json:"params"`
	Destroy bool                   `json:"destroy"`
}

// PlanResult is the DONE result of a plan command.
type PlanResult struct {
	Changes []Change `json:"changes" validate:"dive"`
}

// ApplyParams are the parameters of apply and destroy commands.
type ApplyParams struct {
	Region  string                 `json:"region" validate:"required"`
	State   []byte                 `json:"state,omitempty"`
	Params  map[string]interface{} `json:"params"`
	Changes []Change               `json:"changes" validate:"dive"`
}

// ApplyResult is the DONE result of apply and destroy commands. A non-empty
// Failed list reports a partial apply.
type ApplyResult struct {
	NewState []byte   `json:"new_state,omitempty"`
	Changed  []string `json:"changed,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Message  string   `json:"message,omitempty"`
}

var validate = validator.New()

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypePlan, CommandTypeApply, CommandTypeDestroy:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	return Struct(cmd)
}

// Validate checks if the event message is valid, defaulting the level.
func (evt *EventMessage) Validate() error {
	if evt.Level == "" {
		evt.Level = "info"
	}
	return Struct(evt)
}

// Struct validates any protocol payload against its validate tags.
func Struct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
