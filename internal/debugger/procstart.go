//go:build !windows

package debugger

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// processStart returns when pid was started, or the zero time.
func processStart(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	if runtime.GOOS == "linux" {
		if t := linuxProcessStart(pid); !t.IsZero() {
			return t
		}
	}
	return gopsutilStart(pid)
}

func gopsutilStart(pid int) time.Time {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// linuxProcessStart combines starttime from /proc/<pid>/stat (clock ticks
// since boot) with btime from /proc/stat.
func linuxProcessStart(pid int) time.Time {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return time.Time{}
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return time.Time{}
	}
	btime := bootTime()
	if btime == 0 {
		return time.Time{}
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	ms := btime*1000 + ticks*1000/clk
	return time.UnixMilli(ms)
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
		}
	}
	return 0
}
