//go:build linux && amd64

package debugger

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func spawnOrSkip(t *testing.T, cfg SpawnConfig) Thread {
	t.Helper()
	th, err := NewPtrace().Spawn(context.Background(), cfg)
	if errors.Is(err, unix.EPERM) {
		t.Skipf("ptrace not permitted here: %v", err)
	}
	require.NoError(t, err)
	return th
}

func waitDone(t *testing.T, th Thread) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("debugger loop did not finish")
	}
}

func TestPtraceCleanExit(t *testing.T) {
	th := spawnOrSkip(t, SpawnConfig{StartCommands: []string{"true"}})
	waitDone(t, th)
	assert.False(t, th.Alive())
	assert.False(t, th.Faulted())
	assert.Nil(t, th.Fault())
}

func TestPtraceCapturesSegfault(t *testing.T) {
	th := spawnOrSkip(t, SpawnConfig{StartCommands: []string{"kill -SEGV $$"}})
	waitDone(t, th)
	assert.False(t, th.Alive())
	require.True(t, th.Faulted())
	f := th.Fault()
	require.NotNil(t, f)
	assert.Equal(t, "SIGSEGV", f.Signal)
	assert.NotZero(t, f.Address)
	assert.Equal(t, f.Address, f.Registers["rip"])
	assert.Equal(t, th.PID(), f.PID)
	assert.Contains(t, f.Description, "SIGSEGV")
}

func TestPtraceTerminate(t *testing.T) {
	th := spawnOrSkip(t, SpawnConfig{StartCommands: []string{"sleep 30"}})
	require.True(t, th.Alive())
	require.NoError(t, th.Terminate())
	waitDone(t, th)
	assert.False(t, th.Alive())
	assert.False(t, th.Faulted())
	require.NoError(t, th.Terminate(), "terminating a finished target is a no-op")
}

func TestPtraceRequiresCommand(t *testing.T) {
	_, err := NewPtrace().Spawn(context.Background(), SpawnConfig{})
	assert.ErrorIs(t, err, ErrNoStartCommand)
}

const helperEnv = "PROCMON_DEBUGGER_HELPER"

// helperNil is dereferenced by the faulting helper; a package variable keeps
// the compiler from proving the access nil.
var helperNil *int

// TestHelperThreadFault is not a real test. Re-executed with helperEnv set,
// it faults on a goroutine that cannot run on the main thread.
func TestHelperThreadFault(t *testing.T) {
	if os.Getenv(helperEnv) != "thread-fault" {
		t.Skip("helper process only")
	}
	runtime.LockOSThread()
	go func() {
		time.Sleep(100 * time.Millisecond)
		*helperNil = 1
	}()
	select {}
}

func TestPtraceCapturesWorkerThreadFault(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	th := spawnOrSkip(t, SpawnConfig{
		StartCommands: []string{self + " -test.run=TestHelperThreadFault"},
		Env:           append(os.Environ(), helperEnv+"=thread-fault"),
	})
	waitDone(t, th)
	require.True(t, th.Faulted())
	f := th.Fault()
	require.NotNil(t, f)
	assert.Equal(t, "SIGSEGV", f.Signal)
	assert.NotZero(t, f.Address, "fault must be keyed by the faulting instruction")
	assert.Equal(t, f.Address, f.Registers["rip"])
	assert.NotEmpty(t, f.Module)
	assert.NotEmpty(t, f.Disassembly)
	assert.Equal(t, th.PID(), f.PID)
	assert.NotZero(t, f.TID)
	assert.NotEqual(t, f.PID, f.TID, "fault was raised on a worker thread")
}
