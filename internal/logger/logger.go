package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes the agent's own log output. Level is the integer
// verbosity the fuzzer side passes around; see SlogLevel.
type Config struct {
	Level  int        `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Color  bool       `mapstructure:"color"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables a rotated log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// SlogLevel maps verbosity to a slog level: 0 and below only warnings,
// 1 through 4 info, 5 and above debug.
func SlogLevel(level int) slog.Level {
	switch {
	case level <= 0:
		return slog.LevelWarn
	case level < 5:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Format) {
	case "", FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("log format %q: want %q or %q", c.Format, FormatText, FormatJSON)
	}
}

// New builds a logger writing to stderr, or to the rotated file when one is
// configured. The returned closer is never nil.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File.Path != "" {
		f := &lj.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    valOr(cfg.File.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.File.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.File.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.File.Compress,
		}
		w, closer = f, f
	}
	return slog.New(newHandler(w, cfg)), closer, nil
}

// Setup installs the logger from cfg as the slog default.
func Setup(cfg Config) (io.Closer, error) {
	l, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: SlogLevel(cfg.Level)}
	switch {
	case strings.EqualFold(cfg.Format, FormatJSON):
		return slog.NewJSONHandler(w, opts)
	case cfg.Color && cfg.File.Path == "":
		return NewColorTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
