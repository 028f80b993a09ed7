// Package monitor implements the request/response protocol the fuzzer
// drives between test cases: pre_send, post_send and the crash bin queries.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/procmon/internal/crashbin"
	"github.com/loykin/procmon/internal/debugger"
	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/supervisor"
)

var ErrCrashDirNotWritable = errors.New("crash bin directory is not writable")

type Config struct {
	CrashFile string
	ProcName  string
	Level     int
	Sinks     []history.Sink
}

// Supervisor is the session owner the protocol drives.
type Supervisor interface {
	EnsureRunning(ctx context.Context) error
	CheckAndSettle(ctx context.Context) (bool, *debugger.Fault, error)
	Teardown(ctx context.Context) error
	Snapshot() supervisor.Snapshot
	SessionID() string
}

// Monitor serializes the test case protocol. Crash bin queries and Status
// do not wait for an in-flight pre_send or post_send.
type Monitor struct {
	mu   sync.Mutex
	cfg  Config
	sup  Supervisor
	bins *crashbin.Store

	stateMu      sync.RWMutex
	testNumber   int
	lastSynopsis string
}

// New verifies the crash bin location and loads any existing crashes. An
// unwritable crash bin directory is fatal.
func New(cfg Config, sup Supervisor) (*Monitor, error) {
	if err := crashbin.CheckWritable(cfg.CrashFile); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCrashDirNotWritable, filepath.Dir(cfg.CrashFile), err)
	}
	m := &Monitor{cfg: cfg, sup: sup, bins: crashbin.New()}
	m.bins.Load(cfg.CrashFile)
	m.updateGauges()
	slog.Info("process monitor ready",
		"crash_file", cfg.CrashFile,
		"records", m.bins.Len(),
		"proc_name", cfg.ProcName,
		"log_level", cfg.Level)
	return m, nil
}

// PreSend reloads the crash bin, records the test number and makes sure the
// target is running.
func (m *Monitor) PreSend(ctx context.Context, testNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Debug("pre_send", "test_number", testNumber)
	m.bins.Load(m.cfg.CrashFile)
	m.updateGauges()
	m.stateMu.Lock()
	m.testNumber = testNumber
	m.stateMu.Unlock()
	metrics.IncTestCase()

	if err := m.sup.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("pre_send %d: %w", testNumber, err)
	}
	return nil
}

// PostSend reports whether the target survived the last test case. A fault
// is appended to the crash bin and exported to the history sinks. The crash
// bin is persisted on every call.
func (m *Monitor) PostSend(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID := m.sup.SessionID()
	alive, fault, err := m.sup.CheckAndSettle(ctx)
	if err != nil {
		return false, fmt.Errorf("post_send: %w", err)
	}
	if fault != nil {
		m.recordFault(ctx, fault, sessionID)
	}
	if err := m.bins.Save(m.cfg.CrashFile); err != nil {
		return alive, fmt.Errorf("post_send: persist crash bin: %w", err)
	}
	m.updateGauges()
	return alive, nil
}

func (m *Monitor) recordFault(ctx context.Context, f *debugger.Fault, sessionID string) {
	rec := f.Record()
	m.stateMu.Lock()
	rec.TestNumber = m.testNumber
	m.lastSynopsis = rec.Synopsis
	m.stateMu.Unlock()
	rec.SessionID = sessionID
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now().UTC()
	}
	m.bins.Append(f.Key(), rec)
	slog.Info("crash recorded",
		"test_number", rec.TestNumber,
		"key", f.Key(),
		"synopsis", rec.Synopsis)

	if len(m.cfg.Sinks) > 0 {
		history.Publish(ctx, m.cfg.Sinks, history.Event{
			Type:       history.EventCrash,
			OccurredAt: rec.CapturedAt,
			Record:     rec,
		})
	}
}

// StopTarget runs the configured stop sequence.
func (m *Monitor) StopTarget(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup.Teardown(ctx)
}

// BinKeys returns the recorded fault keys in ascending order.
func (m *Monitor) BinKeys() []crashbin.Key { return m.bins.SortedKeys() }

// Bin returns the records for key; ok is false for a key never seen.
func (m *Monitor) Bin(key crashbin.Key) ([]crashbin.Record, bool) { return m.bins.Get(key) }

func (m *Monitor) LastSynopsis() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastSynopsis
}

func (m *Monitor) TestNumber() int {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.testNumber
}

type Status struct {
	Session      supervisor.Snapshot `json:"session"`
	TestNumber   int                 `json:"test_number"`
	LastSynopsis string              `json:"last_synopsis,omitempty"`
	Keys         int                 `json:"keys"`
	Records      int                 `json:"records"`
	CrashFile    string              `json:"crash_file"`
}

func (m *Monitor) Status() Status {
	m.stateMu.RLock()
	st := Status{TestNumber: m.testNumber, LastSynopsis: m.lastSynopsis}
	m.stateMu.RUnlock()
	st.Session = m.sup.Snapshot()
	st.Keys = len(m.bins.Keys())
	st.Records = m.bins.Len()
	st.CrashFile = m.cfg.CrashFile
	return st
}

func (m *Monitor) updateGauges() {
	metrics.SetCrashBin(len(m.bins.Keys()), m.bins.Len())
}
