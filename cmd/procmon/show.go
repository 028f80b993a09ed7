package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/procmon/internal/config"
	"github.com/loykin/procmon/internal/crashbin"
)

func createShowCommand() *cobra.Command {
	var (
		path   string
		rawKey string
		full   bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a crash bin file without a running agent",
		Long: `Print a crash bin file without a running agent. Without --key every
key is listed with its record count.

Examples:
  procmon show --crash-bin procmon-crash-bin
  procmon show --crash-bin procmon-crash-bin --key 0x401136 --full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := crashbin.Open(path)
			if err != nil {
				return fmt.Errorf("open crash bin %s: %w", path, err)
			}
			if rawKey == "" {
				return renderSummary(cmd.OutOrStdout(), store)
			}
			key, err := crashbin.ParseKey(rawKey)
			if err != nil {
				return err
			}
			recs, ok := store.Get(key)
			if !ok {
				return fmt.Errorf("unknown key %s", key)
			}
			return renderBin(cmd.OutOrStdout(), recs, full)
		},
	}
	cmd.Flags().StringVarP(&path, "crash-bin", "c", config.DefaultCrashBin, "crash bin file")
	cmd.Flags().StringVar(&rawKey, "key", "", "only show this key")
	cmd.Flags().BoolVar(&full, "full", false, "print the full description of every record")
	return cmd
}
