package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags mirror the config keys they override
type ServeFlags struct {
	CrashBin      string
	IgnorePID     int
	LogLevel      int
	ProcName      string
	PIDFile       string
	Port          int
	Host          string
	StartCommands []string
	StopCommands  []string
	StopTerminate bool
	StopSteps     []string
	Env           []string
}

// APIFlags select the agent a remote command talks to
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	JSON       bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createPreSendCommand(),
		createPostSendCommand(),
		createKeysCommand(),
		createBinCommand(),
		createStatusCommand(),
		createSamplesCommand(),
		createStopTargetCommand(),
		createShowCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procmon",
		Short: "Process monitor agent for fuzzing targets",
		Long: `procmon runs a target under a debugger on behalf of a remote fuzzer,
records every crash in a persistent crash bin and restarts the target
between test cases.

Examples:
  procmon serve --start-command "/opt/target/bin/server" --crash-bin crashes.json
  procmon serve --config procmon.toml
  procmon keys --api-url http://fuzz-vm:26002
  procmon show --crash-bin crashes.json --key 0xdeadbeef`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
