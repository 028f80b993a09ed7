package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procmon/internal/crashbin"
	"github.com/loykin/procmon/pkg/client"
)

func addAPIFlags(cmd *cobra.Command, f *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "agent URL including any base path")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", timeout, "request timeout (0 waits indefinitely)")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate trusted for an https agent")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

func newClient(f *APIFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		CACert:   f.CACert,
		Insecure: f.Insecure,
	})
}

func createPreSendCommand() *cobra.Command {
	f := &APIFlags{}
	var test int
	cmd := &cobra.Command{
		Use:   "pre-send",
		Short: "Prepare the target for a test case",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			if err := c.PreSend(cmd.Context(), test); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	addAPIFlags(cmd, f, 30*time.Second)
	cmd.Flags().IntVar(&test, "test", 0, "test case number")
	return cmd
}

func createPostSendCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "post-send",
		Short: "Report whether the target survived the last test case",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			alive, err := c.PostSend(cmd.Context())
			if err != nil {
				return err
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), map[string]bool{"alive": alive})
				return nil
			}
			state := "alive"
			if !alive {
				state = "crashed"
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	addAPIFlags(cmd, f, 0)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createKeysCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List crash bin keys recorded by the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			keys, err := c.BinKeys(cmd.Context())
			if err != nil {
				return err
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), keys)
				return nil
			}
			return renderKeys(cmd.OutOrStdout(), keys)
		},
	}
	addAPIFlags(cmd, f, 30*time.Second)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createBinCommand() *cobra.Command {
	f := &APIFlags{}
	var (
		rawKey string
		full   bool
	)
	cmd := &cobra.Command{
		Use:   "bin",
		Short: "Show the crashes recorded under one key",
		Long: `Show the crashes recorded under one key.

Examples:
  procmon bin --key 0xdeadbeef
  procmon bin --key 0xdeadbeef --full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crashbin.ParseKey(rawKey)
			if err != nil {
				return err
			}
			c, err := newClient(f)
			if err != nil {
				return err
			}
			recs, ok, err := c.Bin(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("unknown key %s", key)
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), recs)
				return nil
			}
			return renderBin(cmd.OutOrStdout(), recs, full)
		},
	}
	addAPIFlags(cmd, f, 30*time.Second)
	cmd.Flags().StringVar(&rawKey, "key", "", "crash bin key, hex (0x...) or decimal (required)")
	cmd.Flags().BoolVar(&full, "full", false, "print the full description of every record")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent's session and crash bin summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), st)
				return nil
			}
			return renderStatus(cmd.OutOrStdout(), st)
		},
	}
	addAPIFlags(cmd, f, 30*time.Second)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createSamplesCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Show recent CPU and memory readings of the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			samples, err := c.Samples(cmd.Context())
			if err != nil {
				return err
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), samples)
				return nil
			}
			return renderSamples(cmd.OutOrStdout(), samples)
		},
	}
	addAPIFlags(cmd, f, 30*time.Second)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createStopTargetCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop-target",
		Short: "Run the agent's stop sequence against the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			if err := c.StopTarget(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	addAPIFlags(cmd, f, 0)
	return cmd
}
