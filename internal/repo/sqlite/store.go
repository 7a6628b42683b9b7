// Package sqlite provides a single-file TaskRepository backed by
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
	"github.com/BuzzLyutic/kanban-api/internal/repo/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

const taskColumns = `id, title, description, status, priority, version, created_at, updated_at`

// Store provides SQLite-backed task persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ repo.TaskRepository = (*Store)(nil)

// Open opens and migrates a task SQLite store.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := migrate.Run(ctx, sqlDB, "sqlite3", migrations, "up", logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Migrate runs a goose command against an opened store.
func (s *Store) Migrate(ctx context.Context, command string, logger *zap.Logger) error {
	return migrate.Run(ctx, s.sqlDB, "sqlite3", migrations, command, logger)
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var status, priority string
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.Version, &createdAt, &updatedAt); err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status(status)
	t.Priority = model.Priority(priority)
	t.CreatedAt = fromUnixNano(createdAt)
	t.UpdatedAt = fromUnixNano(updatedAt)
	return t, nil
}

func fromUnixNano(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func (s *Store) Create(ctx context.Context, t model.Task) (model.Task, error) {
	now := s.now().UnixNano()
	created, err := scanTask(s.sqlDB.QueryRowContext(ctx, `
		INSERT INTO tasks (title, description, status, priority, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		RETURNING `+taskColumns,
		t.Title, t.Description, string(t.Status), string(t.Priority), now, now))
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}
	return created, nil
}

func (s *Store) Get(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(s.sqlDB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, repo.ErrorNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, filter model.TaskFilter, page model.PageRequest) (model.Page, error) {
	page = page.Normalize()

	where := ""
	args := []any{}
	if filter.Status != nil {
		where = "WHERE status = ?"
		args = append(args, string(*filter.Status))
	}

	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return model.Page{}, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return model.Page{}, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0, page.Size)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return model.Page{}, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return model.Page{}, err
	}
	return model.NewPage(tasks, page, total), nil
}

// CompareAndSwap computes the new row from a snapshot and commits it with a
// version-gated UPDATE. Zero affected rows means the task vanished or a
// concurrent writer committed first.
func (s *Store) CompareAndSwap(ctx context.Context, id int64, expectedVersion int64, mutate repo.MutateFunc) (model.Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if current.Version != expectedVersion {
		return current, repo.ErrorConflict
	}

	next, err := repo.ApplyMutation(current, mutate)
	if err != nil {
		return current, err
	}

	updated, err := scanTask(s.sqlDB.QueryRowContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, status = ?, priority = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
		RETURNING `+taskColumns,
		next.Title, next.Description, string(next.Status), string(next.Priority),
		s.now().UnixNano(), id, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, repo.ErrorNotFound) {
			return model.Task{}, repo.ErrorNotFound
		}
		return current, repo.ErrorConflict
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("update task: %w", err)
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repo.ErrorNotFound
	}
	return nil
}

func (s *Store) SaveIdempotencyKey(ctx context.Context, key string, resourceID int64) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, resource_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, resourceID, s.now().UnixNano())
	return err
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (int64, error) {
	var id int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT resource_id FROM idempotency_keys WHERE key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repo.ErrorNotFound
	}
	return id, err
}

func (s *Store) GetStats(ctx context.Context) (model.Stats, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return model.Stats{}, err
	}
	defer rows.Close()

	stats := model.Stats{ByStatus: make(map[model.Status]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.Stats{}, err
		}
		stats.ByStatus[model.Status(status)] = count
		stats.TotalTasks += count
	}
	return stats, rows.Err()
}
