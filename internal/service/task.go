package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BuzzLyutic/kanban-api/internal/cache"
	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/BuzzLyutic/kanban-api/internal/notify"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
)

const (
	taskNamespace  = "task"
	tasksNamespace = "tasks"

	defaultPatchRetries = 3
)

// Notifier receives committed changes and hands out live subscriptions.
type Notifier interface {
	Publish(ev model.ChangeEvent)
	Subscribe(buffer int) *notify.Subscription
}

type Option func(*TaskService)

// WithPatchRetries bounds how many times Patch re-reads and retries after
// losing a compare-and-swap to a concurrent writer.
func WithPatchRetries(n int) Option {
	return func(s *TaskService) {
		if n > 0 {
			s.patchRetries = n
		}
	}
}

// TaskService coordinates every task mutation: authoritative read, version
// check, atomic commit, cache invalidation and change notification, in that
// order. Reads go through the cache.
type TaskService struct {
	repo     repo.TaskRepository
	cache    *cache.Cache
	events   Notifier
	logger   *zap.Logger
	validate *validator.Validate
	tracer   trace.Tracer

	creates      singleflight.Group
	patchRetries int
}

func NewTaskService(repo repo.TaskRepository, c *cache.Cache, events Notifier, logger *zap.Logger, opts ...Option) *TaskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TaskService{
		repo:         repo,
		cache:        c,
		events:       events,
		logger:       logger.With(zap.String("component", "service")),
		validate:     newValidator(),
		tracer:       otel.Tracer("github.com/BuzzLyutic/kanban-api/internal/service"),
		patchRetries: defaultPatchRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func taskKey(id int64) cache.Key {
	return cache.Key{Namespace: taskNamespace, ID: strconv.FormatInt(id, 10)}
}

func listKey(filter model.TaskFilter, page model.PageRequest) cache.Key {
	status := ""
	if filter.Status != nil {
		status = string(*filter.Status)
	}
	return cache.Key{Namespace: tasksNamespace, ID: fmt.Sprintf("%s_%d_%d", status, page.Page, page.Size)}
}

func (s *TaskService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "TaskService."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *TaskService) Create(ctx context.Context, req model.CreateTaskRequest, idempKey string) (task model.Task, err error) {
	ctx, span := s.startSpan(ctx, "Create", attribute.Bool("idempotent", idempKey != ""))
	defer func() { endSpan(span, err) }()

	if err := s.validateRequest(req); err != nil { // Валидация модели на корректность введенных данных
		return model.Task{}, err
	}

	if idempKey == "" {
		return s.create(ctx, req)
	}

	// Обеспечение идемпотентности - если ключ с ресурсом уже существует, мы не создаем его еще раз.
	// Одновременные запросы с одним ключом схлопываются в один.
	v, err, _ := s.creates.Do(idempKey, func() (interface{}, error) {
		if existingID, err := s.repo.GetIdempotencyKey(ctx, idempKey); err == nil {
			return s.Get(ctx, existingID)
		} else if !errors.Is(err, repo.ErrorNotFound) {
			return model.Task{}, fmt.Errorf("lookup idempotency key: %w", err)
		}

		created, err := s.create(ctx, req)
		if err != nil {
			return model.Task{}, err
		}
		if err := s.repo.SaveIdempotencyKey(ctx, idempKey, created.ID); err != nil {
			s.logger.Error("failed to save idempotency key",
				zap.String("key", idempKey), zap.Int64("task_id", created.ID), zap.Error(err))
		}
		return created, nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return v.(model.Task), nil
}

func (s *TaskService) create(ctx context.Context, req model.CreateTaskRequest) (model.Task, error) {
	t := model.Task{
		Title:       req.Title,
		Description: req.Description,
		Status:      model.StatusTodo,
		Priority:    model.PriorityMedium,
	}
	if req.Status != "" {
		t.Status, _ = model.ParseStatus(req.Status)
	}
	if req.Priority != "" {
		t.Priority, _ = model.ParsePriority(req.Priority)
	}

	created, err := s.repo.Create(ctx, t)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}

	s.afterCommit("create", created.ID, func() {
		s.cache.InvalidateNamespace(tasksNamespace)
		s.events.Publish(model.TaskCreated(created))
	})
	s.logger.Info("task created", zap.Int64("task_id", created.ID))
	return created, nil
}

func (s *TaskService) Get(ctx context.Context, id int64) (task model.Task, err error) {
	ctx, span := s.startSpan(ctx, "Get", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	return cache.Load(ctx, s.cache, taskKey(id), func(ctx context.Context) (model.Task, error) {
		return s.repo.Get(ctx, id)
	})
}

func (s *TaskService) List(ctx context.Context, filter model.TaskFilter, page model.PageRequest) (result model.Page, err error) {
	page = page.Normalize()
	ctx, span := s.startSpan(ctx, "List", attribute.Int("page", page.Page), attribute.Int("size", page.Size))
	defer func() { endSpan(span, err) }()

	return cache.Load(ctx, s.cache, listKey(filter, page), func(ctx context.Context) (model.Page, error) {
		return s.repo.List(ctx, filter, page)
	})
}

// Update replaces all mutable fields. The caller must present the version it
// last observed; any mismatch, before or during the commit, is ErrorConflict.
func (s *TaskService) Update(ctx context.Context, id int64, req model.UpdateTaskRequest) (task model.Task, err error) {
	ctx, span := s.startSpan(ctx, "Update", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	if err := s.validateRequest(req); err != nil {
		return model.Task{}, err
	}
	expected := *req.Version

	// Авторитетное чтение мимо кэша
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if current.Version != expected {
		return model.Task{}, fmt.Errorf("task %d: expected version %d, current %d: %w", id, expected, current.Version, repo.ErrorConflict)
	}

	status, _ := model.ParseStatus(req.Status)
	priority, _ := model.ParsePriority(req.Priority)
	updated, err := s.repo.CompareAndSwap(ctx, id, expected, func(t *model.Task) error {
		t.Title = req.Title
		t.Description = req.Description
		t.Status = status
		t.Priority = priority
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}

	s.committed("update", updated)
	return updated, nil
}

// Patch changes only the fields present in req. It takes no caller version:
// the version just read is used for the swap and the read is retried if a
// concurrent writer got there first, so the last patch to commit wins.
//
// A missing id is reported as ErrorNotFound before the request is validated,
// so an empty patch to a deleted task is still a 404. When every retry loses
// to a concurrent writer Patch gives up with ErrorConflict (409).
func (s *TaskService) Patch(ctx context.Context, id int64, req model.PatchTaskRequest) (task model.Task, err error) {
	ctx, span := s.startSpan(ctx, "Patch", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if req.Empty() {
		return model.Task{}, fmt.Errorf("%w: at least one field is required", ErrValidation)
	}
	if err := s.validateRequest(req); err != nil {
		return model.Task{}, err
	}

	mutate := func(t *model.Task) error {
		if req.Title != nil {
			t.Title = *req.Title
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Status != nil {
			t.Status, _ = model.ParseStatus(*req.Status)
		}
		if req.Priority != nil {
			t.Priority, _ = model.ParsePriority(*req.Priority)
		}
		return nil
	}

	for attempt := 1; ; attempt++ {
		updated, err := s.repo.CompareAndSwap(ctx, id, current.Version, mutate)
		if err == nil {
			s.committed("patch", updated)
			return updated, nil
		}
		if !errors.Is(err, repo.ErrorConflict) || attempt >= s.patchRetries {
			return model.Task{}, err
		}
		s.logger.Debug("patch lost a concurrent write, retrying",
			zap.Int64("task_id", id), zap.Int("attempt", attempt))

		if current, err = s.repo.Get(ctx, id); err != nil {
			return model.Task{}, err
		}
	}
}

func (s *TaskService) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "Delete", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.afterCommit("delete", id, func() {
		s.cache.Invalidate(taskKey(id))
		s.cache.InvalidateNamespace(tasksNamespace)
		s.events.Publish(model.TaskDeleted(id))
	})
	s.logger.Info("task deleted", zap.Int64("task_id", id))
	return nil
}

func (s *TaskService) GetStats(ctx context.Context) (stats model.Stats, err error) {
	ctx, span := s.startSpan(ctx, "GetStats")
	defer func() { endSpan(span, err) }()

	return s.repo.GetStats(ctx)
}

// Subscribe opens a live feed of committed changes.
func (s *TaskService) Subscribe(buffer int) *notify.Subscription {
	return s.events.Subscribe(buffer)
}

func (s *TaskService) committed(op string, t model.Task) {
	s.afterCommit(op, t.ID, func() {
		s.cache.Invalidate(taskKey(t.ID))
		s.cache.InvalidateNamespace(tasksNamespace)
		s.events.Publish(model.TaskUpdated(t))
	})
	s.logger.Info("task updated", zap.String("op", op), zap.Int64("task_id", t.ID), zap.Int64("version", t.Version))
}

// afterCommit runs post-commit side effects. The write is already durable, so
// a failure here is logged and never reaches the caller.
func (s *TaskService) afterCommit(op string, id int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("post-commit step failed",
				zap.String("op", op), zap.Int64("task_id", id), zap.Any("panic", r))
		}
	}()
	fn()
}
