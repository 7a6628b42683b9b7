// Package testdb provides PostgreSQL databases for integration tests.
//
// TEST_DATABASE_URL points the tests at an existing database. Otherwise,
// with TESTCONTAINERS=1, a throwaway postgres container is started. With
// neither set the calling test is skipped.
package testdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/repo/postgres"
)

// SetupTestDB возвращает мигрированный пул и функцию очистки
func SetupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	terminate := func() {}

	if connStr == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("TEST_DATABASE_URL not set and TESTCONTAINERS != 1")
		}

		pgContainer, err := tcpostgres.Run(ctx,
			"postgres:15-alpine",
			tcpostgres.WithDatabase("testdb"),
			tcpostgres.WithUsername("testuser"),
			tcpostgres.WithPassword("testpass"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if err != nil {
			t.Fatalf("Failed to start postgres container: %v", err)
		}
		terminate = func() {
			if err := pgContainer.Terminate(ctx); err != nil {
				t.Errorf("Failed to terminate container: %v", err)
			}
		}

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			terminate()
			t.Fatalf("Failed to get connection string: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		terminate()
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		terminate()
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := postgres.Migrate(ctx, pool, "up", zap.NewNop()); err != nil {
		pool.Close()
		terminate()
		t.Fatalf("Failed to migrate database: %v", err)
	}

	TruncateTables(t, pool)

	cleanup := func() {
		pool.Close()
		terminate()
	}
	return pool, cleanup
}

// TruncateTables очищает все таблицы
func TruncateTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), "TRUNCATE tasks, idempotency_keys RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}
