package postgres

import (
	"context"
	"embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
	"github.com/BuzzLyutic/kanban-api/internal/repo/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

const taskColumns = `id, title, description, status, priority, version, created_at, updated_at`

type TaskRepo struct { // Репозиторий для работы непосредственно с БД
	pool *pgxpool.Pool
}

var _ repo.TaskRepository = (*TaskRepo)(nil)

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo { // Конструктор
	return &TaskRepo{
		pool: pool,
	}
}

// Migrate runs a goose command against the pool's database.
func Migrate(ctx context.Context, pool *pgxpool.Pool, command string, logger *zap.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate.Run(ctx, db, "postgres", migrations, command, logger)
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *TaskRepo) Create(ctx context.Context, t model.Task) (model.Task, error) {
	created, err := scanTask(r.pool.QueryRow(ctx, `
		INSERT INTO tasks (title, description, status, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING `+taskColumns,
		t.Title, t.Description, t.Status, t.Priority))
	return created, r.mapError(err)
}

func (r *TaskRepo) Get(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, repo.ErrorNotFound
	}
	return t, err
}

func (r *TaskRepo) List(ctx context.Context, filter model.TaskFilter, page model.PageRequest) (model.Page, error) {
	page = page.Normalize()

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE ($1::text IS NULL OR status = $1)
	`, status).Scan(&total); err != nil {
		return model.Page{}, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, status, page.Size, page.Offset())
	if err != nil {
		return model.Page{}, err
	}
	defer rows.Close()

	tasks := make([]model.Task, 0, page.Size)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return model.Page{}, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return model.Page{}, err
	}
	return model.NewPage(tasks, page, total), nil
}

// CompareAndSwap locks the row, checks the version and writes in one
// transaction. The UPDATE keeps the version predicate so the write stays
// gated even without the row lock.
func (r *TaskRepo) CompareAndSwap(ctx context.Context, id int64, expectedVersion int64, mutate repo.MutateFunc) (model.Task, error) {
	var result model.Task
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return repo.ErrorNotFound
		}
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			result = current
			return repo.ErrorConflict
		}

		next, err := repo.ApplyMutation(current, mutate)
		if err != nil {
			return err
		}

		result, err = scanTask(tx.QueryRow(ctx, `
			UPDATE tasks
			SET title = $3, description = $4, status = $5, priority = $6,
			    version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $2
			RETURNING `+taskColumns,
			id, expectedVersion, next.Title, next.Description, next.Status, next.Priority))
		if errors.Is(err, pgx.ErrNoRows) {
			return repo.ErrorConflict
		}
		return err
	})
	return result, err
}

func (r *TaskRepo) Delete(ctx context.Context, id int64) error {
	cmd, err := r.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return repo.ErrorNotFound
	}
	return nil
}

func (r *TaskRepo) SaveIdempotencyKey(ctx context.Context, key string, resourceID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, resource_id) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, resourceID)
	return err
}

func (r *TaskRepo) GetIdempotencyKey(ctx context.Context, key string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		SELECT resource_id from idempotency_keys WHERE key = $1
	`, key).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, repo.ErrorNotFound
	}
	return id, err
}

func (r *TaskRepo) GetStats(ctx context.Context) (model.Stats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return model.Stats{}, err
	}
	defer rows.Close()

	stats := model.Stats{ByStatus: make(map[model.Status]int)}
	for rows.Next() {
		var status model.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.TotalTasks += count
	}
	return stats, rows.Err()
}

func (r *TaskRepo) mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" { // unique_violation
			return repo.ErrorConflict
		}
	}
	return err
}
