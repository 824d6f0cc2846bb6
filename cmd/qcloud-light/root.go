package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/database"
	"github.com/nerrad567/qcloud-device/internal/storage"

	_ "github.com/nerrad567/qcloud-device/migrations"
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "qcloud-light",
		Short: "Lightbulb reference device for the Tencent IoT hub",
		Long: `qcloud-light runs a colour light as a Tencent IoT hub device.

Subcommands run the device, inspect or erase its persistent store, and
dump the diagnostic logs kept in flash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getConfigPath(), "config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newStoreCmd(&configPath),
		newLogsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// getConfigPath returns the configuration file path.
// Uses QCLOUD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("QCLOUD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openStore opens and migrates the database and returns the key/value
// store on it. The caller closes the database.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, *database.DB, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return storage.New(db), db, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qcloud-light %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
