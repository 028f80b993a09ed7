//go:build linux && amd64

package debugger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/loykin/procmon/internal/shell"
)

// terminateWait bounds how long Terminate waits for the loop to reap the
// target after SIGKILL.
const terminateWait = 5 * time.Second

// pollFallback is the longest the trace loop sleeps without a SIGCHLD.
const pollFallback = 50 * time.Millisecond

// ptraceThread owns one tracee. Every ptrace request is issued from the
// goroutine running loop, which stays locked to its OS thread.
type ptraceThread struct {
	pid     atomic.Int64
	group   atomic.Bool
	alive   atomic.Bool
	faulted atomic.Bool
	fault   atomic.Pointer[Fault]
	done    chan struct{}

	// threads is owned by the loop goroutine.
	threads      map[int]bool
	instructions int
}

// Spawn brings the target up under ptrace. It returns once the target is
// traced and running, or with the launch or attach error.
func (p *Ptrace) Spawn(ctx context.Context, cfg SpawnConfig) (Thread, error) {
	if len(cfg.StartCommands) == 0 && !cfg.attaches() {
		return nil, ErrNoStartCommand
	}
	t := &ptraceThread{done: make(chan struct{}), instructions: p.instructions()}
	ready := make(chan error, 1)
	go t.loop(ctx, p, cfg, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ptraceThread) PID() int              { return int(t.pid.Load()) }
func (t *ptraceThread) Alive() bool           { return t.alive.Load() }
func (t *ptraceThread) Faulted() bool         { return t.faulted.Load() }
func (t *ptraceThread) Fault() *Fault         { return t.fault.Load() }
func (t *ptraceThread) Done() <-chan struct{} { return t.done }

// Terminate kills the target and waits for the debugger loop to end.
func (t *ptraceThread) Terminate() error {
	if !t.alive.Load() {
		return nil
	}
	t.kill()
	select {
	case <-t.done:
		return nil
	case <-time.After(terminateWait):
		return fmt.Errorf("debugger: pid %d still traced %s after SIGKILL", t.PID(), terminateWait)
	}
}

func (t *ptraceThread) kill() {
	pid := t.PID()
	if pid <= 0 {
		return
	}
	if t.group.Load() {
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Warn("kill traced target", "pid", pid, "error", err)
	}
}

func (t *ptraceThread) loop(ctx context.Context, p *Ptrace, cfg SpawnConfig, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	pid, err := t.launch(ctx, p, cfg)
	if err != nil {
		ready <- err
		return
	}
	t.pid.Store(int64(pid))
	t.alive.Store(true)
	ready <- nil

	t.trace(pid)
	t.alive.Store(false)
}

func (t *ptraceThread) launch(ctx context.Context, p *Ptrace, cfg SpawnConfig) (int, error) {
	helpers := cfg.StartCommands
	var target string
	if !cfg.attaches() {
		target = helpers[len(helpers)-1]
		helpers = helpers[:len(helpers)-1]
	}
	for _, c := range helpers {
		cmd, err := shell.Start(c, cfg.Env)
		if err != nil {
			return 0, err
		}
		slog.Debug("started helper command", "command", c, "pid", cmd.Process.Pid)
	}

	var pid int
	if cfg.attaches() {
		found, err := p.locate(ctx, cfg)
		if err != nil {
			return 0, err
		}
		if err := unix.PtraceAttach(found); err != nil {
			return 0, fmt.Errorf("attach to pid %d: %w", found, err)
		}
		pid = found
		slog.Debug("attached to target", "name", cfg.ProcName, "pid_file", cfg.PIDFile, "pid", pid)
	} else {
		cmd := shell.Command(context.Background(), target, cfg.Env)
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		if cfg.Level >= 5 {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("launch %q: %w", target, err)
		}
		pid = cmd.Process.Pid
		t.group.Store(true)
		_ = cmd.Process.Release()
		slog.Debug("launched traced target", "command", target, "pid", pid)
	}

	// The first stop is the exec trap or the attach SIGSTOP.
	ws, err := wait(pid)
	if err != nil {
		return 0, fmt.Errorf("wait for initial stop of pid %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("target pid %d did not stop: %s", pid, waitDesc(ws))
	}
	setOptions(pid)
	t.threads = map[int]bool{pid: true}
	if cfg.attaches() {
		t.attachThreads(pid)
	}
	return pid, nil
}

// traceOptions makes threads created by a traced thread traced as well.
const traceOptions = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC

func setOptions(tid int) {
	if err := unix.PtraceSetOptions(tid, traceOptions); err != nil {
		slog.Debug("set ptrace options", "tid", tid, "error", err)
	}
}

// attachThreads attaches the threads an already running target had before
// it was attached. The task list is rescanned until it stops growing since
// threads may be created during the walk.
func (t *ptraceThread) attachThreads(pid int) {
	for {
		tids, err := listTasks(pid)
		if err != nil {
			slog.Warn("list target threads", "pid", pid, "error", err)
			return
		}
		added := 0
		for _, tid := range tids {
			if t.threads[tid] {
				continue
			}
			if err := unix.PtraceAttach(tid); err != nil {
				slog.Debug("attach thread", "pid", pid, "tid", tid, "error", err)
				continue
			}
			if ws, err := wait(tid); err != nil || !ws.Stopped() {
				continue
			}
			setOptions(tid)
			t.threads[tid] = true
			added++
		}
		if added == 0 {
			return
		}
	}
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir("/proc/" + strconv.Itoa(pid) + "/task")
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// trace resumes every traced thread until the target exits or is killed.
// Benign signals are delivered unchanged; a fatal one is captured from the
// thread that raised it and ends the target.
//
// Only known thread ids are waited on so that exits of the agent's other
// children (helpers, stop commands) are left to their owners. SIGCHLD wakes
// the loop; the ticker covers a notification that raced the scan.
func (t *ptraceThread) trace(pid int) {
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, unix.SIGCHLD)
	defer signal.Stop(sigchld)
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for tid := range t.threads {
		resume(tid, 0)
	}
	for {
		progressed := false
		for _, tid := range t.tids() {
			ws, err := waitNoHang(tid)
			if errors.Is(err, unix.ECHILD) {
				delete(t.threads, tid)
				continue
			}
			if err != nil {
				slog.Warn("wait for traced thread", "pid", pid, "tid", tid, "error", err)
				return
			}
			if ws == nil {
				continue
			}
			progressed = true
			if done := t.handle(pid, tid, *ws); done {
				return
			}
		}
		if len(t.threads) == 0 {
			return
		}
		if !progressed {
			select {
			case <-sigchld:
			case <-ticker.C:
			}
		}
	}
}

// handle processes one wait status of tid. It reports whether tracing has
// ended.
func (t *ptraceThread) handle(pid, tid int, ws unix.WaitStatus) bool {
	switch {
	case ws.Exited(), ws.Signaled():
		delete(t.threads, tid)
		if tid != pid {
			return false
		}
		if ws.Signaled() && fatalSignal(ws.Signal()) && !t.faulted.Load() {
			// Killed without a signal-delivery stop; no register state left.
			t.faulted.Store(true)
			f := &Fault{Signal: unix.SignalName(ws.Signal()), PID: pid, CapturedAt: time.Now()}
			f.Description = describe(f)
			t.fault.Store(f)
		}
		slog.Info("target terminated", "pid", pid, "reason", waitDesc(ws))
		return true
	case ws.Stopped():
		s := ws.StopSignal()
		switch {
		case s == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE:
			if msg, err := unix.PtraceGetEventMsg(tid); err == nil {
				t.threads[int(msg)] = true
			}
			resume(tid, 0)
		case s == unix.SIGTRAP && ws.TrapCause() > 0:
			resume(tid, 0)
		case s == unix.SIGSTOP:
			resume(tid, 0)
		case fatalSignal(s):
			t.capture(pid, tid, s)
			t.kill()
			t.reap(pid)
			return true
		default:
			resume(tid, int(s))
		}
	}
	return false
}

func (t *ptraceThread) tids() []int {
	tids := make([]int, 0, len(t.threads))
	for tid := range t.threads {
		tids = append(tids, tid)
	}
	return tids
}

func resume(tid, sig int) {
	if err := unix.PtraceCont(tid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Warn("ptrace continue", "tid", tid, "error", err)
	}
}

// reap waits out every traced thread after SIGKILL, the leader last since
// its exit is reported only once the other threads are gone.
func (t *ptraceThread) reap(pid int) {
	for len(t.threads) > 0 {
		for _, tid := range t.tids() {
			if tid == pid && len(t.threads) > 1 {
				continue
			}
			for {
				ws, err := wait(tid)
				if err != nil || ws.Exited() || ws.Signaled() {
					delete(t.threads, tid)
					break
				}
				if ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE {
					if msg, err := unix.PtraceGetEventMsg(tid); err == nil {
						t.threads[int(msg)] = true
					}
				}
				_ = unix.PtraceCont(tid, 0)
			}
		}
	}
}

// capture reads the forensic state from tid, the thread stopped in the
// delivery of s.
func (t *ptraceThread) capture(pid, tid int, s unix.Signal) {
	t.faulted.Store(true)
	f := &Fault{Signal: unix.SignalName(s), PID: pid, TID: tid, CapturedAt: time.Now()}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		slog.Warn("read registers of faulting thread", "pid", pid, "tid", tid, "error", err)
	} else {
		f.Address = regs.Rip
		f.Registers = registerMap(&regs)
		f.Module, f.ModuleOffset = lookupModule(pid, f.Address)
		code := make([]byte, 16*t.instructions)
		n, err := unix.PtracePeekText(tid, uintptr(f.Address), code)
		if n > 0 {
			f.Disassembly = disassemble(code[:n], f.Address, t.instructions)
		} else if err != nil {
			slog.Debug("read faulting instructions", "pid", pid, "tid", tid, "error", err)
		}
	}
	f.StartTime = processStart(pid)
	f.Description = describe(f)
	t.fault.Store(f)
	slog.Info("target faulted", "pid", pid, "tid", tid, "synopsis", f.Synopsis())
}

func registerMap(r *unix.PtraceRegs) map[string]uint64 {
	return map[string]uint64{
		"rip": r.Rip, "rsp": r.Rsp, "rbp": r.Rbp,
		"rax": r.Rax, "rbx": r.Rbx, "rcx": r.Rcx, "rdx": r.Rdx,
		"rsi": r.Rsi, "rdi": r.Rdi,
		"r8": r.R8, "r9": r.R9, "r10": r.R10, "r11": r.R11,
		"r12": r.R12, "r13": r.R13, "r14": r.R14, "r15": r.R15,
		"eflags": r.Eflags,
	}
}

func fatalSignal(s unix.Signal) bool {
	switch s {
	case unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGFPE, unix.SIGABRT:
		return true
	}
	return false
}

func wait(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return ws, err
	}
}

// waitNoHang returns nil when tid has no pending state change.
func waitNoHang(tid int) (*unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(tid, &ws, unix.WALL|unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if wpid == 0 {
			return nil, nil
		}
		return &ws, nil
	}
}

func waitDesc(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exited with status %d", ws.ExitStatus())
	case ws.Signaled():
		if ws.CoreDump() {
			return fmt.Sprintf("killed by %s (core dumped)", unix.SignalName(ws.Signal()))
		}
		return fmt.Sprintf("killed by %s", unix.SignalName(ws.Signal()))
	case ws.Stopped():
		return fmt.Sprintf("stopped by %s", unix.SignalName(ws.StopSignal()))
	}
	return fmt.Sprintf("wait status %#x", uint32(ws))
}
