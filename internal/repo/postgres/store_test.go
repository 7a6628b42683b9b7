package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
	"github.com/BuzzLyutic/kanban-api/internal/repo/postgres"
	"github.com/BuzzLyutic/kanban-api/internal/testdb"
)

func TestTaskRepo_Create(t *testing.T) {
	pool, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	taskRepo := postgres.NewTaskRepo(pool)
	created, err := taskRepo.Create(context.Background(), model.Task{
		Title:    "Test",
		Status:   model.StatusTodo,
		Priority: model.PriorityMedium,
	})
	require.NoError(t, err)

	assert.NotZero(t, created.ID)
	assert.Equal(t, int64(0), created.Version)
	assert.Equal(t, model.StatusTodo, created.Status)
}

func TestTaskRepo_CompareAndSwap(t *testing.T) {
	pool, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	taskRepo := postgres.NewTaskRepo(pool)
	created, err := taskRepo.Create(ctx, model.Task{Title: "Original", Status: model.StatusTodo, Priority: model.PriorityLow})
	require.NoError(t, err)

	updated, err := taskRepo.CompareAndSwap(ctx, created.ID, 0, func(task *model.Task) error {
		task.Title = "Updated"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, "Updated", updated.Title)

	_, err = taskRepo.CompareAndSwap(ctx, created.ID, 0, nil)
	assert.ErrorIs(t, err, repo.ErrorConflict)

	_, err = taskRepo.CompareAndSwap(ctx, 99999, 0, nil)
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestTaskRepo_ConcurrentCompareAndSwap(t *testing.T) {
	pool, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	taskRepo := postgres.NewTaskRepo(pool)
	created, err := taskRepo.Create(ctx, model.Task{Title: "Race", Status: model.StatusTodo, Priority: model.PriorityLow})
	require.NoError(t, err)

	const goroutines = 10
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = taskRepo.CompareAndSwap(ctx, created.ID, 0, func(task *model.Task) error {
				task.Title = fmt.Sprintf("Updated %d", idx)
				return nil
			})
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
		} else {
			assert.ErrorIs(t, err, repo.ErrorConflict)
		}
	}
	assert.Equal(t, 1, success, "exactly one update should succeed")

	final, err := taskRepo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), final.Version)
}

func TestTaskRepo_ListAndDelete(t *testing.T) {
	pool, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	taskRepo := postgres.NewTaskRepo(pool)
	for i := 0; i < 5; i++ {
		_, err := taskRepo.Create(ctx, model.Task{Title: fmt.Sprintf("Task %d", i), Status: model.StatusTodo, Priority: model.PriorityLow})
		require.NoError(t, err)
	}

	page, err := taskRepo.List(ctx, model.TaskFilter{}, model.PageRequest{Size: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 3, page.TotalPages)

	require.NoError(t, taskRepo.Delete(ctx, page.Items[0].ID))
	assert.ErrorIs(t, taskRepo.Delete(ctx, page.Items[0].ID), repo.ErrorNotFound)

	stats, err := taskRepo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTasks)
}
