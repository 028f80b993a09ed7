package debugger

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/procmon/internal/crashbin"
)

// Fault is the forensic state captured when the target raised a fatal
// signal.
type Fault struct {
	Address      uint64
	Signal       string
	Description  string
	Module       string
	ModuleOffset uint64
	Disassembly  string
	Registers    map[string]uint64
	PID          int
	TID          int // faulting thread; zero when unknown
	StartTime    time.Time
	CapturedAt   time.Time
}

// Key is the crash bin the fault belongs to.
func (f *Fault) Key() crashbin.Key { return crashbin.Key(f.Address) }

// Synopsis is a one line summary of the fault.
func (f *Fault) Synopsis() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at %#x", f.Signal, f.Address)
	if f.Module != "" {
		fmt.Fprintf(&b, " in %s+%#x", filepath.Base(f.Module), f.ModuleOffset)
	}
	if first, _, _ := strings.Cut(f.Disassembly, "\n"); first != "" {
		if _, inst, ok := strings.Cut(first, ": "); ok {
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(inst))
		}
	}
	return b.String()
}

// Record converts the fault into a crash bin record.
func (f *Fault) Record() crashbin.Record {
	var regs map[string]uint64
	if len(f.Registers) > 0 {
		regs = make(map[string]uint64, len(f.Registers))
		for k, v := range f.Registers {
			regs[k] = v
		}
	}
	desc := f.Description
	if desc == "" {
		desc = describe(f)
	}
	return crashbin.Record{
		Key:         f.Key(),
		Description: desc,
		Synopsis:    f.Synopsis(),
		Signal:      f.Signal,
		Module:      f.Module,
		Disassembly: f.Disassembly,
		Registers:   regs,
		PID:         f.PID,
		CapturedAt:  f.CapturedAt,
	}
}

var registerOrder = []string{
	"rip", "rsp", "rbp", "rax", "rbx", "rcx", "rdx", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "eflags",
}

func describe(f *Fault) string {
	var b strings.Builder
	b.WriteString(f.Synopsis())
	b.WriteString("\n")
	fmt.Fprintf(&b, "pid %d", f.PID)
	if f.TID != 0 && f.TID != f.PID {
		fmt.Fprintf(&b, " thread %d", f.TID)
	}
	if !f.StartTime.IsZero() {
		fmt.Fprintf(&b, ", started %s", f.StartTime.UTC().Format(time.RFC3339))
	}
	if !f.CapturedAt.IsZero() {
		fmt.Fprintf(&b, ", captured %s", f.CapturedAt.UTC().Format(time.RFC3339Nano))
	}
	b.WriteString("\n")
	if f.Module != "" {
		fmt.Fprintf(&b, "module %s offset %#x\n", f.Module, f.ModuleOffset)
	}
	if len(f.Registers) > 0 {
		b.WriteString("\nregisters:\n")
		seen := make(map[string]bool, len(f.Registers))
		names := make([]string, 0, len(f.Registers))
		for _, n := range registerOrder {
			if _, ok := f.Registers[n]; ok {
				names = append(names, n)
				seen[n] = true
			}
		}
		var rest []string
		for n := range f.Registers {
			if !seen[n] {
				rest = append(rest, n)
			}
		}
		sort.Strings(rest)
		names = append(names, rest...)
		for i, n := range names {
			fmt.Fprintf(&b, "  %-6s %#018x", n, f.Registers[n])
			if i%3 == 2 || i == len(names)-1 {
				b.WriteString("\n")
			}
		}
	}
	if f.Disassembly != "" {
		b.WriteString("\ndisassembly:\n")
		for _, line := range strings.Split(f.Disassembly, "\n") {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
