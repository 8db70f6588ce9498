package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/openfroyo/regionctl/pkg/engine"
	"github.com/openfroyo/regionctl/pkg/executor/protocol"
)

// ProcessExecutor implements engine.IaCExecutor by running one executor
// session per call.
type ProcessExecutor struct {
	client *Client
}

var _ engine.IaCExecutor = (*ProcessExecutor)(nil)

// NewProcessExecutor creates an executor that launches launcher.Command for
// every plan, apply and destroy.
func NewProcessExecutor(launcher *ProcessLauncher, cfg Config, logger zerolog.Logger) (*ProcessExecutor, error) {
	if launcher == nil || launcher.Command == "" {
		return nil, fmt.Errorf("executor command is required")
	}
	if launcher.Stderr == nil {
		launcher.Stderr = logWriter{logger: logger.With().Str("component", "executor").Logger()}
	}
	return NewExecutor(launcher, cfg, logger)
}

// NewExecutor creates an executor over any launcher.
func NewExecutor(launcher Launcher, cfg Config, logger zerolog.Logger) (*ProcessExecutor, error) {
	client, err := NewClient(launcher, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &ProcessExecutor{client: client}, nil
}

// Plan computes the diff between desired and current state.
func (e *ProcessExecutor) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	var result protocol.PlanResult
	err := e.client.Execute(ctx, protocol.CommandTypePlan, &protocol.PlanParams{
		Region:  string(req.Region),
		State:   req.State,
		Params:  req.Params,
		Destroy: req.Destroy,
	}, &result)
	if err != nil {
		return nil, err
	}
	if err := protocol.Struct(&result); err != nil {
		return nil, fmt.Errorf("invalid plan result: %w", err)
	}

	resp := &engine.PlanResponse{Changes: make([]engine.ResourceChange, 0, len(result.Changes))}
	for _, c := range result.Changes {
		resp.Changes = append(resp.Changes, engine.ResourceChange{
			Resource: c.Resource,
			Action:   engine.Action(c.Action),
		})
	}
	return resp, nil
}

// Apply mutates infrastructure towards the desired state.
func (e *ProcessExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	return e.apply(ctx, protocol.CommandTypeApply, req)
}

// Destroy removes every resource recorded in the state.
func (e *ProcessExecutor) Destroy(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	return e.apply(ctx, protocol.CommandTypeDestroy, req)
}

func (e *ProcessExecutor) apply(ctx context.Context, cmdType protocol.CommandType, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	changes := make([]protocol.Change, 0, len(req.Changes))
	for _, c := range req.Changes {
		changes = append(changes, protocol.Change{Resource: c.Resource, Action: string(c.Action)})
	}

	var result protocol.ApplyResult
	err := e.client.Execute(ctx, cmdType, &protocol.ApplyParams{
		Region:  string(req.Region),
		State:   req.State,
		Params:  req.Params,
		Changes: changes,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &engine.ApplyResponse{
		NewState: engine.StateBlob(result.NewState),
		Changed:  result.Changed,
		Failed:   result.Failed,
		Message:  result.Message,
	}, nil
}

func jsonParams(params interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

// logWriter forwards executor stderr lines to the logger.
type logWriter struct {
	logger zerolog.Logger
}

var _ io.Writer = logWriter{}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Msg(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
