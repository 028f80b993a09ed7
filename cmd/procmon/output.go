package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/loykin/procmon/internal/crashbin"
	"github.com/loykin/procmon/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func renderKeys(w io.Writer, keys []crashbin.Key) error {
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(w, "No crashes recorded")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Key")
	for _, k := range keys {
		_ = table.Append(k.String())
	}
	return table.Render()
}

func renderSummary(w io.Writer, s *crashbin.Store) error {
	keys := s.SortedKeys()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(w, "No crashes recorded")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Records", "Last Test", "Synopsis")
	for _, k := range keys {
		recs, _ := s.Get(k)
		last, synopsis := "-", ""
		if n := len(recs); n > 0 {
			last = strconv.Itoa(recs[n-1].TestNumber)
			synopsis = recs[n-1].Synopsis
		}
		_ = table.Append(k.String(), strconv.Itoa(len(recs)), last, synopsis)
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "\nTotal: %d key(s), %d record(s)\n", len(keys), s.Len())
	return nil
}

func renderBin(w io.Writer, recs []crashbin.Record, full bool) error {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Test", "Signal", "Module", "Session", "Captured")
	for i, r := range recs {
		_ = table.Append(
			strconv.Itoa(i),
			strconv.Itoa(r.TestNumber),
			orDash(r.Signal),
			orDash(r.Module),
			orDash(shortID(r.SessionID)),
			formatTime(r.CapturedAt),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	if full {
		for i, r := range recs {
			_, _ = fmt.Fprintf(w, "\n--- record %d (test %d) ---\n%s\n", i, r.TestNumber, r.Description)
		}
	}
	return nil
}

func renderStatus(w io.Writer, st *client.Status) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	_ = table.Append("State", st.Session.State)
	if st.Session.SessionID != "" {
		_ = table.Append("Session", st.Session.SessionID)
		_ = table.Append("PID", strconv.Itoa(st.Session.PID))
		_ = table.Append("Started", formatTime(st.Session.StartedAt))
		_ = table.Append("Alive", strconv.FormatBool(st.Session.Alive))
		_ = table.Append("Faulted", strconv.FormatBool(st.Session.Faulted))
	}
	_ = table.Append("Test", strconv.Itoa(st.TestNumber))
	_ = table.Append("Keys", strconv.Itoa(st.Keys))
	_ = table.Append("Records", strconv.Itoa(st.Records))
	_ = table.Append("Crash Bin", st.CrashFile)
	if st.LastSynopsis != "" {
		_ = table.Append("Last Crash", st.LastSynopsis)
	}
	return table.Render()
}

func renderSamples(w io.Writer, samples []client.Sample) error {
	if len(samples) == 0 {
		_, _ = fmt.Fprintln(w, "No samples recorded")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Time", "PID", "CPU %", "RSS MB", "Threads", "FDs")
	for _, s := range samples {
		fds := "-"
		if s.NumFDs > 0 {
			fds = strconv.Itoa(int(s.NumFDs))
		}
		_ = table.Append(
			formatTime(s.Timestamp),
			strconv.Itoa(int(s.PID)),
			strconv.FormatFloat(s.CPUPercent, 'f', 1, 64),
			strconv.FormatFloat(s.MemoryMB, 'f', 1, 64),
			strconv.Itoa(int(s.NumThreads)),
			fds,
		)
	}
	return table.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
