// Package process turns the configured start and stop sequences into
// actions on the target.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/procmon/internal/debugger"
	"github.com/loykin/procmon/internal/shell"
)

// DefaultStopGrace is the pause before any stop step runs. It gives a
// debugger thread whose target just exited time to notice.
const DefaultStopGrace = time.Second

// Spawner starts a target under a debugger thread.
type Spawner interface {
	Spawn(ctx context.Context, cfg debugger.SpawnConfig) (debugger.Thread, error)
}

// Target is the part of a debugger thread the stop sequence needs.
type Target interface {
	Alive() bool
	Terminate() error
}

// ShellRunner executes one stop command and waits for it.
type ShellRunner func(ctx context.Context, command string) error

type Options struct {
	ProcName  string
	PIDFile   string
	IgnorePID int
	Level     int
	// StopGrace defaults to DefaultStopGrace; negative disables it.
	StopGrace time.Duration
	// Env is the full environment for start and stop commands; nil inherits.
	Env []string
	// Shell defaults to shell.Run with Env.
	Shell ShellRunner
}

type Controller struct {
	commands Commands
	spawner  Spawner
	opts     Options
}

func NewController(cmds Commands, spawner Spawner, opts Options) *Controller {
	if opts.StopGrace == 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Shell == nil {
		env := opts.Env
		opts.Shell = func(ctx context.Context, command string) error {
			return shell.Run(ctx, command, env)
		}
	}
	return &Controller{commands: cmds.clone(), spawner: spawner, opts: opts}
}

// Start hands the start sequence to the spawner.
func (c *Controller) Start(ctx context.Context) (debugger.Thread, error) {
	slog.Debug("creating debugger thread", "start_commands", c.commands.Start, "proc_name", c.opts.ProcName, "pid_file", c.opts.PIDFile)
	t, err := c.spawner.Spawn(ctx, debugger.SpawnConfig{
		StartCommands: append([]string(nil), c.commands.Start...),
		ProcName:      c.opts.ProcName,
		PIDFile:       c.opts.PIDFile,
		IgnorePID:     c.opts.IgnorePID,
		Level:         c.opts.Level,
		Env:           append([]string(nil), c.opts.Env...),
	})
	if err != nil {
		return nil, fmt.Errorf("start target: %w", err)
	}
	return t, nil
}

// Stop waits the grace period, then stops t. With no stop commands t is
// terminated; otherwise each step runs in order and shell failures are
// logged and skipped. Nothing runs when t is nil or no longer alive.
func (c *Controller) Stop(ctx context.Context, t Target) error {
	if err := sleep(ctx, c.opts.StopGrace); err != nil {
		return err
	}
	if t == nil || !t.Alive() {
		slog.Info("target already stopped")
		return nil
	}
	if len(c.commands.Stop) == 0 {
		slog.Debug("terminating target")
		return t.Terminate()
	}
	for i, step := range c.commands.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch step.Kind {
		case StopTerminate:
			slog.Debug("stop step: terminating target", "step", i)
			if err := t.Terminate(); err != nil {
				return fmt.Errorf("stop step %d: %w", i, err)
			}
		case StopShell:
			slog.Debug("stop step: running command", "step", i, "command", step.Command)
			if err := c.opts.Shell(ctx, step.Command); err != nil {
				slog.Warn("stop command failed", "step", i, "command", step.Command, "error", err)
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
