package debugger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// findProcess polls the process list for name until timeout. The agent's
// own pid and ignore are never matched.
func findProcess(ctx context.Context, name string, ignore int, timeout, interval time.Duration) (int, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	self := os.Getpid()
	for {
		procs, err := gopsproc.ProcessesWithContext(ctx)
		if err != nil {
			slog.Debug("listing processes failed", "error", err)
		}
		for _, p := range procs {
			pid := int(p.Pid)
			if pid == self || pid == ignore {
				continue
			}
			n, err := p.NameWithContext(ctx)
			if err != nil {
				continue
			}
			if strings.EqualFold(n, name) {
				return pid, nil
			}
		}
		if !time.Now().Add(interval).Before(deadline) {
			return 0, fmt.Errorf("%w: %q", ErrProcessNotFound, name)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// locate finds the pid to attach to, by name or by pid file.
func (p *Ptrace) locate(ctx context.Context, cfg SpawnConfig) (int, error) {
	if cfg.ProcName != "" {
		return findProcess(ctx, cfg.ProcName, cfg.IgnorePID, p.FindTimeout, p.FindInterval)
	}
	return waitPIDFile(ctx, cfg.PIDFile, cfg.IgnorePID, p.FindTimeout, p.FindInterval)
}

// waitPIDFile polls path until it names a running process other than
// ignore. A missing or half-written file is retried until timeout.
func waitPIDFile(ctx context.Context, path string, ignore int, timeout, interval time.Duration) (int, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		pid, err := readPIDFile(path)
		switch {
		case err == nil && pid != ignore:
			alive, aerr := gopsproc.PidExistsWithContext(ctx, int32(pid))
			if aerr == nil && alive {
				return pid, nil
			}
			slog.Debug("pid file names a dead process", "path", path, "pid", pid)
		case err != nil && !errors.Is(err, os.ErrNotExist):
			slog.Debug("pid file unreadable", "path", path, "error", err)
		}
		if !time.Now().Add(interval).Before(deadline) {
			return 0, fmt.Errorf("%w: pid file %s", ErrProcessNotFound, path)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(first))
	}
	return pid, nil
}
