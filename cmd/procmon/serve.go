package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loykin/procmon"
	"github.com/loykin/procmon/internal/config"
	"github.com/loykin/procmon/internal/logger"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor agent",
		Long: `Run the monitor agent. Settings come from --config when given;
flags override the file.

With --proc-name every start command runs as a helper and the target is
found by name and attached to. Otherwise the last start command is the
traced target and the ones before it are helpers.

--stop-terminate puts a Terminate step before every --stop-command. For any
other order use --stop-step, which takes "terminate" or "cmd:<command>" and
keeps the order given; it cannot be combined with the other two.

Examples:
  procmon serve --start-command "/opt/target/bin/server --port 8080"
  procmon serve -p server --start-command "systemctl start target" --stop-terminate
  procmon serve -p server --stop-step "cmd:vmrun suspend vm.vmx" --stop-step terminate
  procmon serve --config procmon.toml --port 27000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, globalFlags, f)
		},
	}
	bindServeFlags(cmd.Flags(), f)
	return cmd
}

func bindServeFlags(fl *pflag.FlagSet, f *ServeFlags) {
	fl.StringVarP(&f.CrashBin, "crash-bin", "c", config.DefaultCrashBin, "crash bin file")
	fl.IntVarP(&f.IgnorePID, "ignore-pid", "i", 0, "pid to skip when searching by process name")
	fl.IntVarP(&f.LogLevel, "log-level", "l", 1, "log verbosity (0 warnings, 1-4 info, 5+ debug)")
	fl.StringVarP(&f.ProcName, "proc-name", "p", "", "attach to the process with this name")
	fl.StringVar(&f.PIDFile, "pid-file", "", "attach to the pid written to this file")
	fl.IntVarP(&f.Port, "port", "P", 26002, "API port")
	fl.StringVar(&f.Host, "host", "0.0.0.0", "API bind address")
	fl.StringArrayVar(&f.StartCommands, "start-command", nil, "start command (repeatable, in order)")
	fl.StringArrayVar(&f.StopCommands, "stop-command", nil, "stop shell command (repeatable, in order)")
	fl.BoolVar(&f.StopTerminate, "stop-terminate", false, "terminate the target before running stop commands")
	fl.StringArrayVar(&f.StopSteps, "stop-step", nil, `stop step "terminate" or "cmd:<command>" (repeatable, in order)`)
	fl.StringArrayVarP(&f.Env, "env", "e", nil, "KEY=VALUE added to the target environment (repeatable)")
}

func runServe(cmd *cobra.Command, g *GlobalFlags, f *ServeFlags) error {
	cfg, err := procmon.LoadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd.Flags(), f, cfg); err != nil {
		return err
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	agent, err := procmon.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return agent.Run(ctx)
}

// applyServeFlags copies every flag the user set onto cfg.
func applyServeFlags(fs *pflag.FlagSet, f *ServeFlags, cfg *config.Config) error {
	if fs.Changed("crash-bin") {
		cfg.CrashBin = f.CrashBin
	}
	if fs.Changed("ignore-pid") {
		cfg.IgnorePID = f.IgnorePID
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if fs.Changed("proc-name") {
		cfg.ProcName = f.ProcName
	}
	if fs.Changed("pid-file") {
		cfg.PIDFile = f.PIDFile
	}
	if fs.Changed("port") || fs.Changed("host") {
		host, port, err := net.SplitHostPort(cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("server.listen %q: %w", cfg.Server.Listen, err)
		}
		if fs.Changed("host") {
			host = f.Host
		}
		if fs.Changed("port") {
			port = strconv.Itoa(f.Port)
		}
		cfg.Server.Listen = net.JoinHostPort(host, port)
	}
	if fs.Changed("start-command") {
		cfg.StartCommands = f.StartCommands
	}
	if fs.Changed("stop-step") {
		if fs.Changed("stop-command") || fs.Changed("stop-terminate") {
			return errors.New("--stop-step cannot be combined with --stop-command or --stop-terminate")
		}
		stops := make([]config.StopCommand, 0, len(f.StopSteps))
		for _, raw := range f.StopSteps {
			sc, err := parseStopStep(raw)
			if err != nil {
				return err
			}
			stops = append(stops, sc)
		}
		cfg.StopCommands = stops
	}
	if fs.Changed("stop-command") || fs.Changed("stop-terminate") {
		var stops []config.StopCommand
		if f.StopTerminate {
			stops = append(stops, config.StopCommand{Terminate: true})
		}
		for _, c := range f.StopCommands {
			stops = append(stops, config.StopCommand{Command: c})
		}
		cfg.StopCommands = stops
	}
	if fs.Changed("env") {
		cfg.Env = append(cfg.Env, f.Env...)
	}
	return cfg.Validate()
}

func parseStopStep(raw string) (config.StopCommand, error) {
	step := strings.TrimSpace(raw)
	if strings.EqualFold(step, "terminate") {
		return config.StopCommand{Terminate: true}, nil
	}
	if c, ok := strings.CutPrefix(step, "cmd:"); ok && strings.TrimSpace(c) != "" {
		return config.StopCommand{Command: strings.TrimSpace(c)}, nil
	}
	return config.StopCommand{}, fmt.Errorf("invalid --stop-step %q: want terminate or cmd:<command>", raw)
}
