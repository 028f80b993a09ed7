package debugger

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.pid")
	if err := os.WriteFile(good, []byte("4242\r\n{\"start_unix\":1}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(good)
	if err != nil || pid != 4242 {
		t.Fatalf("got %d, %v", pid, err)
	}
	bad := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(bad, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readPIDFile(bad); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := readPIDFile(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestWaitPIDFileFindsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.pid")
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
	}()
	pid, err := waitPIDFile(context.Background(), path, 0, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d", pid)
	}
}

func TestWaitPIDFileHonoursIgnoreAndTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := waitPIDFile(context.Background(), path, os.Getpid(), 50*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = waitPIDFile(ctx, filepath.Join(t.TempDir(), "never.pid"), 0, time.Minute, 10*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

// startRenamedSleep runs a copy of sleep under a name no other process uses.
func startRenamedSleep(t *testing.T, name string) int {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a Unix sleep binary")
	}
	src, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(bin, data, 0o755); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command(bin, "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot execute from temp dir: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

func TestFindProcessByName(t *testing.T) {
	pid := startRenamedSleep(t, "procmonfindme")
	got, err := findProcess(context.Background(), "procmonfindme", 0, 5*time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != pid {
		t.Fatalf("found pid %d, want %d", got, pid)
	}

	_, err = findProcess(context.Background(), "PROCMONFINDME", pid, 200*time.Millisecond, 20*time.Millisecond)
	if !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("ignored pid was matched: %v", err)
	}
}

func TestFindProcessSkipsAgent(t *testing.T) {
	self := filepath.Base(os.Args[0])
	if len(self) > 15 {
		self = self[:15]
	}
	got, err := findProcess(context.Background(), self, 0, 200*time.Millisecond, 20*time.Millisecond)
	if err == nil && got == os.Getpid() {
		t.Fatalf("agent's own pid %d was matched", got)
	}
}
