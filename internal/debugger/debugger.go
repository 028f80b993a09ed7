// Package debugger runs a target process under a debugger and reports the
// first fatal fault it raises.
//
// A Thread is the handle to one debugger loop. It latches at most one fault;
// once the fault is latched the loop captures forensic state, kills the
// target and ends. Alive reports whether the loop is still running.
package debugger

import (
	"errors"
	"time"
)

var (
	ErrUnsupported     = errors.New("debugger: tracing is not supported on this platform")
	ErrProcessNotFound = errors.New("debugger: target process not found")
	ErrNoStartCommand  = errors.New("debugger: no start command or process name configured")
)

// SpawnConfig describes how to bring a target up.
type SpawnConfig struct {
	// StartCommands are run in order. Without ProcName the last one is the
	// traced target and the others are helpers.
	StartCommands []string
	// ProcName, when set, makes every start command a helper and attaches to
	// the first process with this name.
	ProcName string
	// PIDFile, when set instead of ProcName, makes every start command a
	// helper and attaches to the pid written on the file's first line.
	PIDFile string
	// IgnorePID is skipped while searching for ProcName or reading PIDFile.
	IgnorePID int
	// Level is the agent verbosity; at 5 and above the target inherits the
	// agent's stdout and stderr.
	Level int
	// Env replaces the environment of the target and helpers when non-nil.
	Env []string
}

// attaches reports whether the target is found rather than launched.
func (c SpawnConfig) attaches() bool { return c.ProcName != "" || c.PIDFile != "" }

// Thread is a running debugger loop bound to one target.
type Thread interface {
	PID() int
	Alive() bool
	Faulted() bool
	// Fault is nil until the forensic capture has completed.
	Fault() *Fault
	Done() <-chan struct{}
	Terminate() error
}

// Ptrace spawns targets under ptrace. Only linux/amd64 is supported; on
// other platforms Spawn returns ErrUnsupported.
type Ptrace struct {
	// FindTimeout bounds the search for a named process.
	FindTimeout time.Duration
	// FindInterval is the delay between process list scans.
	FindInterval time.Duration
	// Instructions is how many instructions to disassemble at the fault.
	Instructions int
}

func NewPtrace() *Ptrace {
	return &Ptrace{
		FindTimeout:  10 * time.Second,
		FindInterval: 250 * time.Millisecond,
		Instructions: 5,
	}
}

func (p *Ptrace) instructions() int {
	if p.Instructions <= 0 {
		return 5
	}
	return p.Instructions
}
