package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/infrastructure/database"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the activity log schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required for migrations")
	}

	dir := database.Up
	if args[0] == "down" {
		dir = database.Down
	}

	pool, err := database.NewPool(cmd.Context(), cfg.Storage.DatabaseURL, cfg.Storage.MaxConns, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	version, err := database.Migrate(pool, dir, logger)
	if err != nil {
		logger.Error("migration failed", zap.String("direction", args[0]), zap.Error(err))
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
	return nil
}
