package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/regionctl/pkg/executor/protocol"
)

// Name identifies this executor in READY messages.
const Name = "regionctl-local"

// Runner serves protocol sessions on a pair of streams.
type Runner struct {
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	applier  *Applier
	logger   zerolog.Logger
	commands int
}

// NewRunner creates a runner reading commands from r and writing messages
// to w. delay is spent on every mutating change.
func NewRunner(r io.Reader, w io.Writer, delay time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		encoder: protocol.NewEncoder(w),
		decoder: protocol.NewDecoder(r),
		applier: &Applier{Delay: delay},
		logger:  logger,
	}
}

// Serve sends READY and handles commands until the input is closed or ctx
// is done. It always attempts to send EXIT before returning.
func (r *Runner) Serve(ctx context.Context) error {
	if err := r.sendReady(); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	reason, exitCode := "stdin_closed", 0
	var serveErr error

	for ctx.Err() == nil {
		err := r.processNextCommand(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			reason, exitCode, serveErr = "error", 1, err
		}
		break
	}
	if ctx.Err() != nil && serveErr == nil {
		reason = "cancelled"
	}

	_ = r.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: r.commands,
	})
	return serveErr
}

func (r *Runner) sendReady() error {
	return r.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  protocol.Version,
		Executor: Name,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypePlan):    true,
			string(protocol.CommandTypeApply):   true,
			string(protocol.CommandTypeDestroy): true,
		},
	})
}

func (r *Runner) processNextCommand(ctx context.Context) error {
	cmd, err := r.decoder.DecodeCommand()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		_ = r.encoder.EncodeError(&protocol.ErrorMessage{
			Code:    protocol.ErrCodeInvalidCommand,
			Message: err.Error(),
		})
		return err
	}

	r.commands++
	log := r.logger.With().Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Logger()
	log.Debug().Msg("Command received")

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	start := time.Now()
	result, err := r.handleCommand(cmdCtx, cmd)
	duration := time.Since(start).Seconds()

	if err != nil {
		log.Warn().Err(err).Msg("Command failed")
		code := protocol.ErrCodeExecution
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = protocol.ErrCodeTimeout
		case errors.Is(err, errInvalidState):
			code = protocol.ErrCodeInvalidState
		}
		return r.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
			Retryable: code == protocol.ErrCodeTimeout,
		})
	}

	return r.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

var errInvalidState = errors.New("invalid state")

func (r *Runner) handleCommand(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypePlan:
		var params protocol.PlanParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := Plan(&params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidState, err)
		}
		_ = r.encoder.EncodeEvent(&protocol.EventMessage{
			CommandID: cmd.ID,
			Message:   fmt.Sprintf("planned %d change(s) for %s", len(result.Changes), params.Region),
		})
		return json.Marshal(result)

	case protocol.CommandTypeApply, protocol.CommandTypeDestroy:
		var params protocol.ApplyParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		if _, err := DecodeState(params.State); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidState, err)
		}

		total := len(params.Changes)
		current := 0
		applier := *r.applier
		applier.OnChange = func(change protocol.Change, err error) {
			current++
			evt := &protocol.EventMessage{
				CommandID: cmd.ID,
				Message:   fmt.Sprintf("%s %s", change.Action, change.Resource),
				Resource:  change.Resource,
				Progress:  &protocol.ProgressInfo{Current: current, Total: total, Unit: "changes"},
			}
			if err != nil {
				evt.Level = "warn"
				evt.Message = err.Error()
			}
			_ = r.encoder.EncodeEvent(evt)
		}

		result, err := applier.Apply(ctx, &params, cmd.Type == protocol.CommandTypeDestroy)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}
