package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/config"
	"github.com/BuzzLyutic/kanban-api/internal/repo/postgres"
	"github.com/BuzzLyutic/kanban-api/internal/repo/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Run database migrations for the configured SQL store.",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) == 1 {
			command = args[0]
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx := cmd.Context()

		switch cfg.StoreDriver {
		case config.DriverPostgres:
			pool, err := openPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			err = postgres.Migrate(ctx, pool, command, logger)
			if err != nil {
				return err
			}

		case config.DriverSQLite:
			// Open применяет миграции up сам
			store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if command != "up" {
				if err := store.Migrate(ctx, command, logger); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("store driver %q has no migrations", cfg.StoreDriver)
		}

		logger.Info("Migrations done", zap.String("driver", cfg.StoreDriver), zap.String("command", command))
		return nil
	},
}
