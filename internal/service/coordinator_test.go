package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/cache"
	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/BuzzLyutic/kanban-api/internal/notify"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
)

type fixture struct {
	svc   *TaskService
	store *repo.MemoryStore
	cache *cache.Cache
	hub   *notify.Hub
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := repo.NewMemoryStore()
	c := cache.New(cache.DefaultConfig())
	hub := notify.NewHub(notify.DefaultConfig(), zap.NewNop())
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)
	return &fixture{
		svc:   NewTaskService(store, c, hub, zap.NewNop(), opts...),
		store: store,
		cache: c,
		hub:   hub,
	}
}

func (f *fixture) create(t *testing.T, title string) model.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), model.CreateTaskRequest{Title: title}, "")
	require.NoError(t, err)
	return task
}

func nextEvent(t *testing.T, sub *notify.Subscription) model.ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return model.ChangeEvent{}
	}
}

func fullUpdate(title, status string, version int64) model.UpdateTaskRequest {
	return model.UpdateTaskRequest{Title: title, Status: status, Priority: "MEDIUM", Version: &version}
}

func TestCoordinator_CreateThenGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, model.CreateTaskRequest{Title: "Write tests", Description: "all of them", Priority: "LOW"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.Version)
	assert.Equal(t, model.StatusTodo, created.Status)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

// N concurrent updates presenting the same version: exactly one commits and
// every other caller gets a conflict.
func TestCoordinator_ConcurrentUpdatesSameVersion(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "Race")

	const writers = 25
	var wg sync.WaitGroup
	errs := make([]error, writers)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			_, errs[idx] = f.svc.Update(context.Background(), task.ID, fullUpdate(fmt.Sprintf("writer %d", idx), "IN_PROGRESS", 0))
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, repo.ErrorConflict)
	}
	assert.Equal(t, 1, wins)

	final, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), final.Version)
}

func TestCoordinator_SameUpdateTwice(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "Once")
	req := fullUpdate("Twice", "DONE", task.Version)

	first, err := f.svc.Update(context.Background(), task.ID, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	_, err = f.svc.Update(context.Background(), task.ID, req)
	assert.ErrorIs(t, err, repo.ErrorConflict)

	got, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "the rejected update changed nothing")
}

func TestCoordinator_VersionIncrementsByOne(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "Counter")

	for v := int64(0); v < 5; v++ {
		updated, err := f.svc.Update(context.Background(), task.ID, fullUpdate(fmt.Sprintf("v%d", v+1), "TODO", v))
		require.NoError(t, err)
		assert.Equal(t, v+1, updated.Version)
		assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
		assert.Equal(t, task.CreatedAt, updated.CreatedAt)
	}
}

// A cached read must never survive a committed write.
func TestCoordinator_RecordCacheCoherence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, "Coherent")

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusTodo, got.Status)

	_, err = f.svc.Update(ctx, task.ID, fullUpdate("Coherent", "DONE", 0))
	require.NoError(t, err)

	got, err = f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)

	_, err = f.svc.Patch(ctx, task.ID, model.PatchTaskRequest{Status: strPtr("IN_PROGRESS")})
	require.NoError(t, err)

	got, err = f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestCoordinator_ListCacheInvalidatedByAnyMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	todo := model.StatusTodo
	filter := model.TaskFilter{Status: &todo}

	a := f.create(t, "A")
	f.create(t, "B")

	page, err := f.svc.List(ctx, filter, model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalElements)
	assert.Equal(t, model.DefaultPageSize, page.Size)

	f.create(t, "C")
	page, err = f.svc.List(ctx, filter, model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.TotalElements, "create invalidates list queries")

	_, err = f.svc.Update(ctx, a.ID, fullUpdate("A", "DONE", 0))
	require.NoError(t, err)
	page, err = f.svc.List(ctx, filter, model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalElements, "update invalidates list queries")

	require.NoError(t, f.svc.Delete(ctx, a.ID))
	done := model.StatusDone
	page, err = f.svc.List(ctx, model.TaskFilter{Status: &done}, model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.TotalElements, "delete invalidates list queries")
}

func TestCoordinator_DeleteIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, "Doomed")

	_, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, task.ID))

	_, err = f.svc.Get(ctx, task.ID)
	assert.ErrorIs(t, err, repo.ErrorNotFound, "cached copy must not outlive the delete")
	assert.ErrorIs(t, f.svc.Delete(ctx, task.ID), repo.ErrorNotFound)
	_, err = f.svc.Update(ctx, task.ID, fullUpdate("x", "DONE", 0))
	assert.ErrorIs(t, err, repo.ErrorNotFound)
	_, err = f.svc.Patch(ctx, task.ID, model.PatchTaskRequest{Title: strPtr("x")})
	assert.ErrorIs(t, err, repo.ErrorNotFound)
	_, err = f.svc.Patch(ctx, task.ID, model.PatchTaskRequest{})
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestCoordinator_PatchLeavesOmittedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.Create(ctx, model.CreateTaskRequest{Title: "Keep", Description: "keep me", Priority: "HIGH"}, "")
	require.NoError(t, err)

	patched, err := f.svc.Patch(ctx, task.ID, model.PatchTaskRequest{Status: strPtr("done")})
	require.NoError(t, err)
	assert.Equal(t, "Keep", patched.Title)
	assert.Equal(t, "keep me", patched.Description)
	assert.Equal(t, model.PriorityHigh, patched.Priority)
	assert.Equal(t, model.StatusDone, patched.Status)
	assert.Equal(t, int64(1), patched.Version)
}

func TestCoordinator_ConcurrentPatchesAllLand(t *testing.T) {
	f := newFixture(t, WithPatchRetries(50))
	task := f.create(t, "Hot")

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := f.svc.Patch(context.Background(), task.ID, model.PatchTaskRequest{Description: strPtr(fmt.Sprint(idx))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.Version)
}

func TestCoordinator_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.svc.Subscribe(16)
	defer sub.Close()

	task := f.create(t, "Observed")
	ev := nextEvent(t, sub)
	assert.Equal(t, model.EventCreated, ev.Type)
	require.NotNil(t, ev.Task)
	assert.Equal(t, task.ID, ev.Task.ID)

	_, err := f.svc.Update(ctx, task.ID, fullUpdate("Observed", "DONE", 0))
	require.NoError(t, err)
	ev = nextEvent(t, sub)
	assert.Equal(t, model.EventUpdated, ev.Type)
	assert.Equal(t, int64(1), ev.Task.Version)

	require.NoError(t, f.svc.Delete(ctx, task.ID))
	ev = nextEvent(t, sub)
	assert.Equal(t, model.EventDeleted, ev.Type)
	assert.Nil(t, ev.Task)
	assert.Equal(t, task.ID, ev.TaskID)
}

func TestCoordinator_FailedUpdateEmitsNothing(t *testing.T) {
	f := newFixture(t)
	sub := f.svc.Subscribe(16)
	defer sub.Close()
	task := f.create(t, "Quiet")
	require.Equal(t, model.EventCreated, nextEvent(t, sub).Type)

	_, err := f.svc.Update(context.Background(), task.ID, fullUpdate("Quiet", "DONE", 7))
	require.ErrorIs(t, err, repo.ErrorConflict)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

type panickingNotifier struct {
	*notify.Hub
}

func (panickingNotifier) Publish(model.ChangeEvent) {
	panic("broker unavailable")
}

func TestCoordinator_PostCommitFailureDoesNotPropagate(t *testing.T) {
	store := repo.NewMemoryStore()
	c := cache.New(cache.DefaultConfig())
	hub := notify.NewHub(notify.DefaultConfig(), zap.NewNop())
	svc := NewTaskService(store, c, panickingNotifier{hub}, zap.NewNop())
	ctx := context.Background()

	task, err := svc.Create(ctx, model.CreateTaskRequest{Title: "Durable"}, "")
	require.NoError(t, err)

	_, err = svc.Get(ctx, task.ID)
	require.NoError(t, err)

	updated, err := svc.Update(ctx, task.ID, fullUpdate("Durable", "DONE", 0))
	require.NoError(t, err, "commit succeeded, so the caller sees success")
	assert.Equal(t, int64(1), updated.Version)

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status, "invalidation ran before the failing publish")

	require.NoError(t, svc.Delete(ctx, task.ID))
}

func TestCoordinator_IdempotentCreate(t *testing.T) {
	f := newFixture(t)

	const callers = 10
	var wg sync.WaitGroup
	ids := make([]int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			task, err := f.svc.Create(context.Background(), model.CreateTaskRequest{Title: "Once"}, "same-key")
			if assert.NoError(t, err) {
				ids[idx] = task.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	page, err := f.store.List(context.Background(), model.TaskFilter{}, model.PageRequest{Size: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.TotalElements)
}

func TestCoordinator_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Create(ctx, model.CreateTaskRequest{Title: "Never"}, "")
	assert.True(t, errors.Is(err, context.Canceled))
}
