// Package debuggertest provides scripted debugger threads for tests.
package debuggertest

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/loykin/procmon/internal/debugger"
)

// Spawner hands out Threads and remembers every spawn request.
type Spawner struct {
	mu      sync.Mutex
	err     error
	nextPID int
	threads []*Thread
	configs []debugger.SpawnConfig
}

func NewSpawner() *Spawner { return &Spawner{nextPID: 1000} }

// FailNext makes the next Spawn return err.
func (s *Spawner) FailNext(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Spawner) Spawn(ctx context.Context, cfg debugger.SpawnConfig) (debugger.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, cfg)
	if err := s.err; err != nil {
		s.err = nil
		return nil, err
	}
	s.nextPID++
	t := NewThread(s.nextPID)
	s.threads = append(s.threads, t)
	return t, nil
}

// Count is the number of threads spawned successfully.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Last returns the most recently spawned thread, or nil.
func (s *Spawner) Last() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.threads) == 0 {
		return nil
	}
	return s.threads[len(s.threads)-1]
}

// Configs returns every SpawnConfig seen, including failed spawns.
func (s *Spawner) Configs() []debugger.SpawnConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]debugger.SpawnConfig(nil), s.configs...)
}

// AliveCount is the number of spawned threads still alive.
func (s *Spawner) AliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.threads {
		if t.Alive() {
			n++
		}
	}
	return n
}

// Thread is a debugger thread driven by the test.
type Thread struct {
	pid          int
	alive        *atomic.Bool
	faulted      *atomic.Bool
	fault        atomic.Pointer[debugger.Fault]
	terminations *atomic.Int32
	done         chan struct{}
	once         sync.Once
}

func NewThread(pid int) *Thread {
	return &Thread{
		pid:          pid,
		alive:        atomic.NewBool(true),
		faulted:      atomic.NewBool(false),
		terminations: atomic.NewInt32(0),
		done:         make(chan struct{}),
	}
}

func (t *Thread) PID() int               { return t.pid }
func (t *Thread) Alive() bool            { return t.alive.Load() }
func (t *Thread) Faulted() bool          { return t.faulted.Load() }
func (t *Thread) Fault() *debugger.Fault { return t.fault.Load() }
func (t *Thread) Done() <-chan struct{}  { return t.done }
func (t *Thread) Terminations() int      { return int(t.terminations.Load()) }

func (t *Thread) Terminate() error {
	t.terminations.Inc()
	t.Exit()
	return nil
}

// Latch records f as the thread's fault while leaving the loop running, the
// way a real thread looks during forensic capture.
func (t *Thread) Latch(f *debugger.Fault) {
	if f.PID == 0 {
		f.PID = t.pid
	}
	t.fault.Store(f)
	t.faulted.Store(true)
}

// Exit ends the debugger loop.
func (t *Thread) Exit() {
	t.once.Do(func() {
		t.alive.Store(false)
		close(t.done)
	})
}

// Crash latches f and ends the loop.
func (t *Thread) Crash(f *debugger.Fault) {
	t.Latch(f)
	t.Exit()
}
