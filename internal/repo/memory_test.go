package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, model.Task{Title: "Test", Status: model.StatusTodo, Priority: model.PriorityLow})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, int64(0), created.Version)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = store.Get(ctx, 12345)
	assert.ErrorIs(t, err, ErrorNotFound)
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, model.Task{Title: "Original", Status: model.StatusTodo})
	require.NoError(t, err)

	t.Run("matching version commits", func(t *testing.T) {
		updated, err := store.CompareAndSwap(ctx, created.ID, 0, func(task *model.Task) error {
			task.Title = "Updated"
			task.Version = 99 // ignored
			task.ID = 7       // ignored
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Updated", updated.Title)
		assert.Equal(t, int64(1), updated.Version)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, created.CreatedAt, updated.CreatedAt)
		assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		_, err := store.CompareAndSwap(ctx, created.ID, 0, func(task *model.Task) error {
			task.Title = "Stale"
			return nil
		})
		assert.ErrorIs(t, err, ErrorConflict)

		got, _ := store.Get(ctx, created.ID)
		assert.Equal(t, "Updated", got.Title)
	})

	t.Run("mutator error aborts", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := store.CompareAndSwap(ctx, created.ID, 1, func(task *model.Task) error {
			task.Title = "never"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, _ := store.Get(ctx, created.ID)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := store.CompareAndSwap(ctx, 9999, 0, nil)
		assert.ErrorIs(t, err, ErrorNotFound)
	})
}

func TestMemoryStore_ConcurrentCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, model.Task{Title: "Race"})
	require.NoError(t, err)

	const goroutines = 50
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = store.CompareAndSwap(ctx, created.ID, 0, func(task *model.Task) error {
				task.Title = fmt.Sprintf("Writer %d", idx)
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
			assert.ErrorIs(t, err, ErrorConflict)
		}
	}
	assert.Equal(t, 1, success)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, model.Task{Title: "To Delete"})

	require.NoError(t, store.Delete(ctx, created.ID))
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrorNotFound)

	_, err := store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrorNotFound)
	_, err = store.CompareAndSwap(ctx, created.ID, 0, nil)
	assert.ErrorIs(t, err, ErrorNotFound)

	next, _ := store.Create(ctx, model.Task{Title: "Next"})
	assert.Greater(t, next.ID, created.ID, "ids must not be reused")
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		status := model.StatusTodo
		if i%2 == 1 {
			status = model.StatusDone
		}
		_, err := store.Create(ctx, model.Task{Title: fmt.Sprintf("Task %d", i), Status: status})
		require.NoError(t, err)
	}

	t.Run("paging", func(t *testing.T) {
		page, err := store.List(ctx, model.TaskFilter{}, model.PageRequest{Page: 1, Size: 3})
		require.NoError(t, err)
		assert.Len(t, page.Items, 3)
		assert.Equal(t, int64(7), page.TotalElements)
		assert.Equal(t, 3, page.TotalPages)
		assert.Equal(t, 1, page.Page)
	})

	t.Run("newest first", func(t *testing.T) {
		page, err := store.List(ctx, model.TaskFilter{}, model.PageRequest{Size: 10})
		require.NoError(t, err)
		require.Len(t, page.Items, 7)
		for i := 1; i < len(page.Items); i++ {
			assert.Greater(t, page.Items[i-1].ID, page.Items[i].ID)
		}
	})

	t.Run("filter by status", func(t *testing.T) {
		done := model.StatusDone
		page, err := store.List(ctx, model.TaskFilter{Status: &done}, model.PageRequest{Size: 10})
		require.NoError(t, err)
		assert.Len(t, page.Items, 3)
		for _, task := range page.Items {
			assert.Equal(t, model.StatusDone, task.Status)
		}
	})

	t.Run("page past the end", func(t *testing.T) {
		page, err := store.List(ctx, model.TaskFilter{}, model.PageRequest{Page: 5, Size: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.NotNil(t, page.Items)
	})
}

func TestMemoryStore_IdempotencyKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetIdempotencyKey(ctx, "key")
	assert.ErrorIs(t, err, ErrorNotFound)

	require.NoError(t, store.SaveIdempotencyKey(ctx, "key", 1))
	require.NoError(t, store.SaveIdempotencyKey(ctx, "key", 2))

	id, err := store.GetIdempotencyKey(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "first writer wins")
}

func TestMemoryStore_GetStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, model.Task{Title: "a", Status: model.StatusTodo})
	store.Create(ctx, model.Task{Title: "b", Status: model.StatusTodo})
	store.Create(ctx, model.Task{Title: "c", Status: model.StatusDone})

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 2, stats.ByStatus[model.StatusTodo])
	assert.Equal(t, 1, stats.ByStatus[model.StatusDone])
}
