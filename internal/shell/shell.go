// Package shell turns configured command strings into processes.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const metachars = "|&;<>*?`$\"'(){}[]~"

// Command builds an *exec.Cmd for s. A plain command line is split on
// whitespace and executed directly; anything with shell metacharacters goes
// through the platform shell. An explicit "sh -c ..." prefix is honoured
// without wrapping it a second time. A nil env inherits the agent's
// environment.
func Command(ctx context.Context, s string, env []string) *exec.Cmd {
	cmd := command(ctx, strings.TrimSpace(s))
	cmd.Env = env
	return cmd
}

func command(ctx context.Context, s string) *exec.Cmd {
	if s == "" {
		return trueCommand(ctx)
	}
	if script, ok := explicitScript(s); ok {
		return shellCommand(ctx, script)
	}
	if strings.ContainsAny(s, metachars) {
		return shellCommand(ctx, s)
	}
	parts := strings.Fields(s)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// explicitScript extracts the script from "sh -c <script>" style commands,
// stripping one pair of surrounding quotes.
func explicitScript(s string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(s, p) {
			continue
		}
		after := s[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// Run executes s and waits for it. Combined output is attached to the error
// and logged at debug level on success.
func Run(ctx context.Context, s string, env []string) error {
	cmd := Command(ctx, s, env)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%q: %w: %s", s, err, msg)
		}
		return fmt.Errorf("%q: %w", s, err)
	}
	if out.Len() > 0 {
		slog.Debug("shell command output", "command", s, "output", strings.TrimSpace(out.String()))
	}
	return nil
}

// Start launches s without waiting. The process is reaped in the background
// and its exit is logged.
func Start(s string, env []string) (*exec.Cmd, error) {
	cmd := Command(context.Background(), s, env)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", s, err)
	}
	go func() {
		err := cmd.Wait()
		slog.Debug("helper command exited", "command", s, "pid", cmd.Process.Pid, "error", err)
	}()
	return cmd, nil
}
