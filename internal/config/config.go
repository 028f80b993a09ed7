package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procmon/internal/env"
	"github.com/loykin/procmon/internal/logger"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/process"
	"github.com/loykin/procmon/internal/supervisor"
	ptls "github.com/loykin/procmon/internal/tls"
)

const (
	DefaultCrashBin      = "procmon-crash-bin"
	DefaultListen        = "0.0.0.0:26002"
	DefaultMetricsListen = ":9102"
)

// Config represents the top-level TOML structure.
type Config struct {
	CrashBin      string        `mapstructure:"crash_bin"`
	ProcName      string        `mapstructure:"proc_name"`
	PIDFile       string        `mapstructure:"pid_file"`
	IgnorePID     int           `mapstructure:"ignore_pid"`
	StartCommands []string      `mapstructure:"start_commands"`
	StopCommands  []StopCommand `mapstructure:"stop_commands"`
	Env           []string      `mapstructure:"env"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`

	Server  ServerConfig  `mapstructure:"server"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

// StopCommand is one [[stop_commands]] entry. Exactly one of Terminate and
// Command must be set.
type StopCommand struct {
	Terminate bool   `mapstructure:"terminate"`
	Command   string `mapstructure:"command"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      ptls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Listen  string                `mapstructure:"listen"`
	Sampler metrics.SamplerConfig `mapstructure:"sampler"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		CrashBin:     DefaultCrashBin,
		SettleDelay:  supervisor.DefaultSettleDelay,
		StopGrace:    process.DefaultStopGrace,
		PollInterval: supervisor.DefaultPollInterval,
		Server:       ServerConfig{Listen: DefaultListen},
		Log:          logger.Config{Level: 1, Format: logger.FormatText},
		Metrics:      MetricsConfig{Listen: DefaultMetricsListen},
	}
}

// Load reads a TOML config file on top of Default. Relative file paths are
// resolved against the directory holding the file. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.CrashBin == "" {
		cfg.CrashBin = DefaultCrashBin
	}
	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.CrashBin, &cfg.PIDFile, &cfg.Log.File.Path, &cfg.Server.TLS.Dir, &cfg.Server.TLS.CertFile, &cfg.Server.TLS.KeyFile} {
		*p = resolve(base, *p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("settle_delay", d.SettleDelay)
	v.SetDefault("stop_grace", d.StopGrace)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.CrashBin) == "" {
		return errors.New("crash_bin is required")
	}
	if c.ProcName != "" && c.PIDFile != "" {
		return errors.New("set either proc_name or pid_file, not both")
	}
	if c.IgnorePID < 0 {
		return fmt.Errorf("ignore_pid %d: must not be negative", c.IgnorePID)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval %s: must not be negative", c.PollInterval)
	}
	if _, err := c.Commands(); err != nil {
		return err
	}
	if err := env.Validate(c.Env); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path %q: must start with /", c.Server.BasePath)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen %q: %w", c.Metrics.Listen, err)
		}
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return errors.New("history.enabled requires at least one entry in history.dsns")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Commands converts the start and stop command lists for the process
// controller.
func (c *Config) Commands() (process.Commands, error) {
	cmds := process.Commands{Start: append([]string(nil), c.StartCommands...)}
	for i, sc := range c.StopCommands {
		cmd := strings.TrimSpace(sc.Command)
		switch {
		case sc.Terminate && cmd != "":
			return process.Commands{}, fmt.Errorf("stop_commands[%d]: set either terminate or command, not both", i)
		case sc.Terminate:
			cmds.Stop = append(cmds.Stop, process.Terminate())
		case cmd != "":
			cmds.Stop = append(cmds.Stop, process.Shell(cmd))
		default:
			return process.Commands{}, fmt.Errorf("stop_commands[%d]: terminate or command is required", i)
		}
	}
	if err := cmds.Validate(); err != nil {
		return process.Commands{}, err
	}
	return cmds, nil
}

func (c *Config) ProcessOptions() process.Options {
	return process.Options{
		ProcName:  c.ProcName,
		PIDFile:   c.PIDFile,
		IgnorePID: c.IgnorePID,
		Level:     c.Log.Level,
		StopGrace: c.StopGrace,
		Env:       env.Merge(c.Env),
	}
}

func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{SettleDelay: c.SettleDelay, PollInterval: c.PollInterval}
}
