package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/storage"
)

// newStoreCmd builds "store get|set|erase|erase-all".
func newStoreCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or change the persistent store",
	}

	// withStore loads the config, opens the store and runs fn.
	withStore := func(cmd *cobra.Command, fn func(s *storage.Store) error) error {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		s, db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(s)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value stored under key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(s *storage.Store) error {
					v, err := s.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(v))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store value under key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(s *storage.Store) error {
					return s.Set(cmd.Context(), args[0], []byte(args[1]))
				})
			},
		},
		&cobra.Command{
			Use:   "erase <key>",
			Short: "Remove key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(s *storage.Store) error {
					return s.Erase(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "erase-all",
			Short: "Remove every key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd, func(s *storage.Store) error {
					return s.EraseAll(cmd.Context())
				})
			},
		},
	)
	return cmd
}
