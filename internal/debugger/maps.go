package debugger

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// mapping is one line of /proc/<pid>/maps.
type mapping struct {
	Start, End uint64
	Offset     uint64
	Path       string
}

func parseMaps(r io.Reader) ([]mapping, error) {
	var out []mapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			continue
		}
		off, _ := strconv.ParseUint(fields[2], 16, 64)
		m := mapping{Start: start, End: end, Offset: off}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// moduleAt returns the backing file of the mapping containing addr and the
// offset of addr within that file.
func moduleAt(maps []mapping, addr uint64) (string, uint64) {
	for _, m := range maps {
		if addr >= m.Start && addr < m.End {
			return m.Path, addr - m.Start + m.Offset
		}
	}
	return "", 0
}

func lookupModule(pid int, addr uint64) (string, uint64) {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/maps")
	if err != nil {
		return "", 0
	}
	defer func() { _ = f.Close() }()
	maps, err := parseMaps(f)
	if err != nil {
		return "", 0
	}
	return moduleAt(maps, addr)
}
