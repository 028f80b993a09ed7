package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/procmon/internal/debugger/debuggertest"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) shell(fail map[string]bool) ShellRunner {
	return func(_ context.Context, cmd string) error {
		r.add("shell:" + cmd)
		if fail[cmd] {
			return errors.New("exit status 1")
		}
		return nil
	}
}

type fakeTarget struct {
	rec   *recorder
	alive bool
}

func (f *fakeTarget) Alive() bool { return f.alive }

func (f *fakeTarget) Terminate() error {
	f.rec.add("terminate")
	return nil
}

func TestStartPassesConfiguration(t *testing.T) {
	sp := debuggertest.NewSpawner()
	c := NewController(Commands{Start: []string{"helper --prep", "/opt/target --port 1"}}, sp,
		Options{ProcName: "target", IgnorePID: 77, Level: 5, Env: []string{"ASAN_OPTIONS=abort_on_error=1"}})
	th, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if th == nil || !th.Alive() {
		t.Fatalf("expected live thread")
	}
	cfgs := sp.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("expected one spawn, got %d", len(cfgs))
	}
	got := cfgs[0]
	if got.ProcName != "target" || got.IgnorePID != 77 || got.Level != 5 || len(got.StartCommands) != 2 ||
		got.StartCommands[1] != "/opt/target --port 1" {
		t.Fatalf("unexpected spawn config: %+v", got)
	}
	if len(got.Env) != 1 || got.Env[0] != "ASAN_OPTIONS=abort_on_error=1" {
		t.Fatalf("environment not passed: %v", got.Env)
	}
}

func TestStartPropagatesSpawnError(t *testing.T) {
	sp := debuggertest.NewSpawner()
	boom := errors.New("no such file")
	sp.FailNext(boom)
	c := NewController(Commands{Start: []string{"/missing"}}, sp, Options{})
	if _, err := c.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected spawn error, got %v", err)
	}
}

func TestStopWithoutCommandsTerminates(t *testing.T) {
	rec := &recorder{}
	c := NewController(Commands{}, debuggertest.NewSpawner(), Options{StopGrace: -1, Shell: rec.shell(nil)})
	if err := c.Stop(context.Background(), &fakeTarget{rec: rec, alive: true}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ev := rec.list(); len(ev) != 1 || ev[0] != "terminate" {
		t.Fatalf("unexpected events: %v", ev)
	}
}

func TestStopRunsStepsInOrder(t *testing.T) {
	rec := &recorder{}
	cmds := Commands{Stop: []StopCommand{
		Shell("snapshot --save"),
		Terminate(),
		Shell("TERMINATE_PID"),
		Shell("vm revert"),
	}}
	c := NewController(cmds, debuggertest.NewSpawner(), Options{
		StopGrace: -1,
		Shell:     rec.shell(map[string]bool{"snapshot --save": true}),
	})
	if err := c.Stop(context.Background(), &fakeTarget{rec: rec, alive: true}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"shell:snapshot --save", "terminate", "shell:TERMINATE_PID", "shell:vm revert"}
	got := rec.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestStopSkipsStoppedTarget(t *testing.T) {
	rec := &recorder{}
	c := NewController(Commands{Stop: []StopCommand{Shell("cleanup"), Terminate()}}, debuggertest.NewSpawner(),
		Options{StopGrace: -1, Shell: rec.shell(nil)})
	if err := c.Stop(context.Background(), nil); err != nil {
		t.Fatalf("stop nil: %v", err)
	}
	if err := c.Stop(context.Background(), &fakeTarget{rec: rec, alive: false}); err != nil {
		t.Fatalf("stop dead: %v", err)
	}
	if ev := rec.list(); len(ev) != 0 {
		t.Fatalf("nothing should run for a stopped target, got %v", ev)
	}
}

func TestStopWaitsGracePeriod(t *testing.T) {
	th := debuggertest.NewThread(1)
	c := NewController(Commands{}, debuggertest.NewSpawner(), Options{StopGrace: 80 * time.Millisecond})
	begin := time.Now()
	if err := c.Stop(context.Background(), th); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(begin) < 80*time.Millisecond {
		t.Fatalf("stop did not wait for the grace period")
	}
	if th.Terminations() != 1 || th.Alive() {
		t.Fatalf("expected one termination, got %d", th.Terminations())
	}
}

func TestStopCancelledDuringGrace(t *testing.T) {
	th := debuggertest.NewThread(1)
	c := NewController(Commands{}, debuggertest.NewSpawner(), Options{StopGrace: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Stop(ctx, th); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if th.Terminations() != 0 {
		t.Fatalf("target terminated despite cancellation")
	}
}

func TestDefaultsApplied(t *testing.T) {
	c := NewController(Commands{}, debuggertest.NewSpawner(), Options{})
	if c.opts.StopGrace != DefaultStopGrace {
		t.Fatalf("grace = %v", c.opts.StopGrace)
	}
	if c.opts.Shell == nil {
		t.Fatalf("default shell runner not set")
	}
}

func TestCommandsAreCopied(t *testing.T) {
	start := []string{"a"}
	c := NewController(Commands{Start: start}, debuggertest.NewSpawner(), Options{})
	start[0] = "mutated"
	if c.commands.Start[0] != "a" {
		t.Fatalf("controller shares caller's slice")
	}
}

func TestCommandsValidate(t *testing.T) {
	cases := []struct {
		name string
		cmds Commands
		ok   bool
	}{
		{"empty", Commands{}, true},
		{"valid", Commands{Start: []string{"x"}, Stop: []StopCommand{Terminate(), Shell("y")}}, true},
		{"blank start", Commands{Start: []string{" "}}, false},
		{"blank shell", Commands{Stop: []StopCommand{Shell("")}}, false},
		{"terminate with command", Commands{Stop: []StopCommand{{Kind: StopTerminate, Command: "x"}}}, false},
		{"unknown kind", Commands{Stop: []StopCommand{{Kind: StopKind(9)}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmds.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
