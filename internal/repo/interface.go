package repo

import (
	"context"

	"github.com/BuzzLyutic/kanban-api/internal/model"
)

// MutateFunc изменяет копию задачи внутри CompareAndSwap. ID, Version и
// CreatedAt восстанавливаются хранилищем после вызова.
type MutateFunc func(t *model.Task) error

// TaskRepository определяет интерфейс для работы с задачами
type TaskRepository interface {
	Create(ctx context.Context, t model.Task) (model.Task, error)
	Get(ctx context.Context, id int64) (model.Task, error)
	List(ctx context.Context, filter model.TaskFilter, page model.PageRequest) (model.Page, error)
	// CompareAndSwap applies mutate and commits only if the stored version
	// still equals expectedVersion. The check and the write are one atomic
	// step; the committed task has Version expectedVersion+1.
	CompareAndSwap(ctx context.Context, id int64, expectedVersion int64, mutate MutateFunc) (model.Task, error)
	Delete(ctx context.Context, id int64) error
	SaveIdempotencyKey(ctx context.Context, key string, resourceID int64) error
	GetIdempotencyKey(ctx context.Context, key string) (int64, error)
	GetStats(ctx context.Context) (model.Stats, error)
}
