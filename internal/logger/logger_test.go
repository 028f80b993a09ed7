package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		level int
		want  slog.Level
	}{
		{-1, slog.LevelWarn},
		{0, slog.LevelWarn},
		{1, slog.LevelInfo},
		{4, slog.LevelInfo},
		{5, slog.LevelDebug},
		{10, slog.LevelDebug},
	}
	for _, c := range cases {
		if got := SlogLevel(c.level); got != c.want {
			t.Fatalf("SlogLevel(%d) = %v want %v", c.level, got, c.want)
		}
	}
}

func TestValidateFormat(t *testing.T) {
	for _, f := range []string{"", "text", "json", "JSON"} {
		if err := (Config{Format: f}).Validate(); err != nil {
			t.Fatalf("format %q: %v", f, err)
		}
	}
	if err := (Config{Format: "xml"}).Validate(); err == nil {
		t.Fatalf("expected error for xml format")
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("New should reject invalid format")
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procmon.log")
	l, closer, err := New(Config{Level: 1, Format: FormatJSON, File: FileConfig{Path: path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("hidden")
	l.Info("crash recorded", "key", "0xdeadbeef")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at info level, got %d: %q", len(lines), b)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "crash recorded" || rec["key"] != "0xdeadbeef" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewWithoutFileHasNopCloser(t *testing.T) {
	_, closer, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer == nil || closer.Close() != nil {
		t.Fatalf("expected usable closer")
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := slog.New(h).With("session", "abc")
	l.Warn("target still alive")
	out := buf.String()
	if !strings.HasPrefix(out, "\033[33mWARN\033[0m  ") {
		t.Fatalf("missing colored level: %q", out)
	}
	if !strings.Contains(out, "msg=\"target still alive\"") || !strings.Contains(out, "session=abc") {
		t.Fatalf("WithAttrs lost: %q", out)
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug should be enabled")
	}
}
