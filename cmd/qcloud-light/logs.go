package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/qcloud-device/internal/diaglog"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
)

// newLogsCmd builds "logs", which prints the flash log spool.
func newLogsCmd(configPath *string) *cobra.Command {
	var clearSpool bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the diagnostic logs kept in flash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			path := cfg.DiagLog.FlashPath

			recs, err := diaglog.ReadSpool(path)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			for _, r := range recs {
				fmt.Fprintln(cmd.OutOrStdout(), r.Text())
			}

			if !clearSpool {
				return nil
			}
			spool, err := diaglog.OpenSpool(path, 0, nil)
			if err != nil {
				return err
			}
			defer spool.Close()
			return spool.Reset()
		},
	}
	cmd.Flags().BoolVar(&clearSpool, "clear", false, "empty the spool after printing")
	return cmd
}
