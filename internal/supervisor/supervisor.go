// Package supervisor tracks the single debugger session the monitor owns.
//
// State machine:
//
//	Empty -> Starting -> Attached -> Faulted -> Empty
//
// Attached falls back to Empty when the debugger thread ends without a
// fault; the next EnsureRunning starts a fresh session.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/procmon/internal/debugger"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/process"
)

const (
	DefaultSettleDelay  = 2 * time.Second
	DefaultPollInterval = time.Second
)

type State int32

const (
	StateEmpty State = iota
	StateStarting
	StateAttached
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateStarting:
		return "starting"
	case StateAttached:
		return "attached"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Controller starts and stops the target.
type Controller interface {
	Start(ctx context.Context) (debugger.Thread, error)
	Stop(ctx context.Context, t process.Target) error
}

// Session is one debugger thread bound to one target run.
type Session struct {
	ID        string
	Thread    debugger.Thread
	StartedAt time.Time
}

type Options struct {
	// SettleDelay is waited after a start so the target can come up.
	// Zero means DefaultSettleDelay; negative disables it.
	SettleDelay time.Duration
	// PollInterval is how often a faulted thread is checked for completion.
	PollInterval time.Duration
}

// Supervisor owns the session slot. Operations are serialized; State and
// Snapshot may be called at any time.
type Supervisor struct {
	op   sync.Mutex
	mu   sync.RWMutex
	ctrl Controller
	opts Options

	state   State
	session *Session
}

func New(ctrl Controller, opts Options) *Supervisor {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	s := &Supervisor{ctrl: ctrl, opts: opts}
	metrics.SetCurrentState(StateEmpty.String(), true)
	return s
}

// EnsureRunning starts the target unless a session is already attached or
// holds an unresolved fault. A session whose thread ended without a fault is
// discarded and replaced.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	st, sess := s.current()
	switch st {
	case StateFaulted:
		return nil
	case StateAttached:
		if sess.Thread.Faulted() {
			s.setState(StateFaulted)
			return nil
		}
		if sess.Thread.Alive() {
			return nil
		}
		slog.Warn("debugger thread exited unexpectedly, restarting target",
			"session", sess.ID, "pid", sess.Thread.PID())
		metrics.IncUnexpectedDeath()
		s.release()
	}

	s.setState(StateStarting)
	t, err := s.ctrl.Start(ctx)
	if err != nil {
		metrics.IncStartFailure()
		s.setState(StateEmpty)
		return err
	}
	sess = &Session{ID: uuid.NewString(), Thread: t, StartedAt: time.Now()}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	s.setState(StateAttached)
	metrics.IncSessionStart()
	slog.Info("debugger session started", "session", sess.ID, "pid", t.PID())

	return sleep(ctx, s.opts.SettleDelay)
}

// CheckAndSettle reports whether the target survived the last test case.
// When a fault was latched it waits, without a deadline, until the debugger
// thread finishes its forensic capture, releases the session and returns the
// fault. Only ctx cancellation interrupts the wait; the session then stays
// faulted.
func (s *Supervisor) CheckAndSettle(ctx context.Context) (bool, *debugger.Fault, error) {
	s.op.Lock()
	defer s.op.Unlock()

	st, sess := s.current()
	if st == StateAttached && sess.Thread.Faulted() {
		s.setState(StateFaulted)
		st = StateFaulted
	}
	if st != StateFaulted {
		return true, nil, nil
	}

	begin := time.Now()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for sess.Thread.Alive() {
		select {
		case <-ctx.Done():
			return false, nil, ctx.Err()
		case <-sess.Thread.Done():
		case <-ticker.C:
		}
	}
	metrics.ObserveSettleWait(time.Since(begin).Seconds())

	f := sess.Thread.Fault()
	if f == nil {
		f = &debugger.Fault{
			Signal:      "unknown",
			Description: "fault latched but forensic capture produced nothing",
			PID:         sess.Thread.PID(),
			CapturedAt:  time.Now(),
		}
	}
	metrics.IncFault(f.Signal)
	slog.Info("debugger session faulted", "session", sess.ID, "pid", sess.Thread.PID(), "key", f.Key())
	s.release()
	return false, f, nil
}

// Teardown runs the stop sequence against the current session. The session
// is cleared once its thread has ended, unless it still holds a fault that
// CheckAndSettle has not reported.
func (s *Supervisor) Teardown(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	st, sess := s.current()
	var target process.Target
	if sess != nil {
		target = sess.Thread
	}
	err := s.ctrl.Stop(ctx, target)
	if sess == nil {
		return err
	}
	switch {
	case st == StateFaulted || sess.Thread.Faulted():
		s.setState(StateFaulted)
	case sess.Thread.Alive():
		slog.Warn("target still alive after stop sequence", "session", sess.ID, "pid", sess.Thread.PID())
	default:
		s.release()
	}
	return err
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot is a read-only view of the session slot.
type Snapshot struct {
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Alive     bool      `json:"alive"`
	Faulted   bool      `json:"faulted"`
}

func (s *Supervisor) Snapshot() Snapshot {
	st, sess := s.current()
	snap := Snapshot{State: st.String()}
	if sess != nil {
		snap.SessionID = sess.ID
		snap.PID = sess.Thread.PID()
		snap.StartedAt = sess.StartedAt
		snap.Alive = sess.Thread.Alive()
		snap.Faulted = sess.Thread.Faulted()
	}
	return snap
}

// SessionID is the id of the current session, or "".
func (s *Supervisor) SessionID() string {
	_, sess := s.current()
	if sess == nil {
		return ""
	}
	return sess.ID
}

// TargetPID is the pid of a live target, or 0.
func (s *Supervisor) TargetPID() int32 {
	_, sess := s.current()
	if sess == nil || !sess.Thread.Alive() {
		return 0
	}
	return int32(sess.Thread.PID())
}

func (s *Supervisor) current() (State, *Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.session
}

func (s *Supervisor) release() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	s.setState(StateEmpty)
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(prev.String(), next.String())
	metrics.SetCurrentState(prev.String(), false)
	metrics.SetCurrentState(next.String(), true)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
