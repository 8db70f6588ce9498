// Package client runs IaC executor processes and drives them over the
// stdio protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/regionctl/pkg/executor/protocol"
)

// Session is one running executor.
type Session struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	// Wait blocks until the executor has exited.
	Wait func() error
}

// Launcher starts executor sessions.
type Launcher interface {
	Launch(ctx context.Context) (*Session, error)
}

// ProcessLauncher starts the executor as a child process.
type ProcessLauncher struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string

	// Stderr receives the executor's diagnostic output.
	Stderr io.Writer
}

// Launch starts the process. The process is killed when ctx is done.
func (l *ProcessLauncher) Launch(ctx context.Context) (*Session, error) {
	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Dir = l.WorkDir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = l.Stderr
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open executor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open executor stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start executor %s: %w", l.Command, err)
	}

	return &Session{Stdin: stdin, Stdout: stdout, Wait: cmd.Wait}, nil
}

// Config contains client configuration options.
type Config struct {
	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration

	// Timeout bounds a single command.
	Timeout time.Duration
}

// Client sends one command per executor session.
type Client struct {
	launcher Launcher
	cfg      Config
	logger   zerolog.Logger
}

// CommandError is returned when the executor answers with ERROR.
type CommandError struct {
	Command protocol.CommandType
	*protocol.ErrorMessage
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("executor %s failed: %s", e.Command, e.ErrorMessage.Error())
}

// NewClient creates a new executor client.
func NewClient(launcher Launcher, cfg Config, logger zerolog.Logger) (*Client, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}

	return &Client{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.With().Str("component", "executor-client").Logger(),
	}, nil
}

// Execute launches an executor, sends one command with params and decodes
// the DONE result into result.
func (c *Client) Execute(ctx context.Context, cmdType protocol.CommandType, params, result interface{}) error {
	raw, err := jsonParams(params)
	if err != nil {
		return err
	}

	cmd := &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    cmdType,
		Timeout: int((c.cfg.Timeout + time.Second - 1) / time.Second),
		Params:  raw,
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}

	// The executor gets a grace period beyond the command timeout to report
	// its own timeout before the process is killed.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout+c.cfg.Timeout+5*time.Second)
	defer cancel()

	session, err := c.launcher.Launch(ctx)
	if err != nil {
		return err
	}

	done, execErr := c.run(ctx, session, cmd)
	if execErr != nil {
		cancel()
	}

	// Closing stdin ends the session; the executor answers with EXIT.
	_ = session.Stdin.Close()
	c.drain(session.Stdout)
	waitErr := session.Wait()

	if execErr != nil {
		return execErr
	}
	if waitErr != nil {
		c.logger.Warn().Err(waitErr).Str("command_id", cmd.ID).Msg("Executor exited abnormally after completing command")
	}

	if result != nil {
		if err := protocol.ParseParams(done.Result, result); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", cmdType, err)
		}
	}
	return nil
}

func (c *Client) run(ctx context.Context, session *Session, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	decoder := protocol.NewDecoder(session.Stdout)
	encoder := protocol.NewEncoder(session.Stdin)

	type outcome struct {
		done *protocol.DoneMessage
		err  error
	}
	readyCh := make(chan error, 1)
	resultCh := make(chan outcome, 1)
	startCh := make(chan struct{})

	go func() {
		if err := c.awaitReady(decoder); err != nil {
			readyCh <- err
			return
		}
		readyCh <- nil
		select {
		case <-startCh:
		case <-ctx.Done():
			return
		}
		done, err := c.awaitResult(decoder, cmd)
		resultCh <- outcome{done: done, err: err}
	}()

	startup := time.NewTimer(c.cfg.StartupTimeout)
	defer startup.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-startup.C:
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-readyCh:
		if err != nil {
			return nil, fmt.Errorf("failed to receive READY: %w", err)
		}
	}

	if err := encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	close(startCh)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("executor %s: %w", cmd.Type, ctx.Err())
	case out := <-resultCh:
		return out.done, out.err
	}
}

func (c *Client) awaitReady(decoder *protocol.Decoder) error {
	msg, err := decoder.Decode()
	if err != nil {
		return err
	}
	if msg.Type == protocol.MessageTypeError {
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
			return fmt.Errorf("failed to parse error: %w", err)
		}
		return &errMsg
	}
	if msg.Type != protocol.MessageTypeReady {
		return fmt.Errorf("expected READY, got %s", msg.Type)
	}

	var ready protocol.ReadyMessage
	if err := protocol.ParseParams(msg.Data, &ready); err != nil {
		return err
	}
	if ready.Version != protocol.Version {
		return fmt.Errorf("unsupported protocol version %q", ready.Version)
	}
	c.logger.Debug().
		Str("executor", ready.Executor).
		Int("pid", ready.PID).
		Msg("Executor ready")
	return nil
}

func (c *Client) awaitResult(decoder *protocol.Decoder, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	for {
		msg, err := decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("executor closed output before completing %s", cmd.Type)
			}
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.logEvent(cmd, &event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &CommandError{Command: cmd.Type, ErrorMessage: &errMsg}

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("executor exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func (c *Client) logEvent(cmd *protocol.CommandMessage, event *protocol.EventMessage) {
	var e *zerolog.Event
	switch event.Level {
	case "warn":
		e = c.logger.Warn()
	case "debug":
		e = c.logger.Debug()
	default:
		e = c.logger.Info()
	}
	if event.Resource != "" {
		e = e.Str("resource", event.Resource)
	}
	if event.Progress != nil {
		e = e.Int("current", event.Progress.Current).Int("total", event.Progress.Total)
	}
	e.Str("command", string(cmd.Type)).Str("command_id", cmd.ID).Msg(event.Message)
}

// drain consumes whatever the executor still writes, usually EXIT.
func (c *Client) drain(stdout io.Reader) {
	_, _ = io.Copy(io.Discard, stdout)
}
