package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/config"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
	"github.com/BuzzLyutic/kanban-api/internal/repo/postgres"
	"github.com/BuzzLyutic/kanban-api/internal/repo/sqlite"
)

// openStore подключает хранилище, выбранное в STORE_DRIVER
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.TaskRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool, "up", logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Successfully connected to the Database!")
		return postgres.NewTaskRepo(pool), pool.Close, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Opened sqlite store", zap.String("path", cfg.SQLitePath))
		return store, func() { _ = store.Close() }, nil

	default:
		logger.Info("Using in-memory store")
		return repo.NewMemoryStore(), func() {}, nil
	}
}

func openPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url) // Создаем новое соединение к БД
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil { // Пытаемся пингануть БД
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
