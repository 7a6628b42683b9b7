package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/model"
	"github.com/BuzzLyutic/kanban-api/internal/ratelimit"
	"github.com/BuzzLyutic/kanban-api/internal/repo"
	"github.com/BuzzLyutic/kanban-api/internal/service"
	"github.com/BuzzLyutic/kanban-api/pkg/respond"
)

const conflictMessage = "Task has been modified by another user. Please refresh and try again."

type TaskHandler struct {
	service *service.TaskService
	logger  *zap.Logger
}

func NewTaskHandler(srv *service.TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: srv,
		logger:  logger,
	}
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	idempKey := r.Header.Get("Idempotency-Key")
	task, err := h.service.Create(r.Context(), req, idempKey)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/tasks/%d", task.ID))
	respond.JSON(w, r, http.StatusCreated, task)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	task, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter model.TaskFilter
	if raw := q.Get("status"); raw != "" {
		status, ok := model.ParseStatus(raw)
		if !ok {
			respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid status %q", raw))
			return
		}
		filter.Status = &status
	}

	var page model.PageRequest
	for name, dst := range map[string]*int{"page": &page.Page, "size": &page.Size} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, raw))
			return
		}
		*dst = v
	}

	result, err := h.service.List(r.Context(), filter, page)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, result)
}

// Update заменяет все поля задачи; клиент обязан передать версию.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req model.UpdateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req model.PatchTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.service.Patch(r.Context(), id, req)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, stats)
}

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid task id %q", raw))
		return 0, false
	}
	return id, true
}

func (h *TaskHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			respond.Error(w, r, http.StatusBadRequest, "empty request body")
			return false
		}
		h.logger.Debug("failed to decode json", zap.Error(err))
		respond.Error(w, r, http.StatusBadRequest, "Malformed JSON request")
		return false
	}
	return true
}

func (h *TaskHandler) handleErrors(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrorNotFound):
		respond.Error(w, r, http.StatusNotFound, fmt.Sprintf("Task not found with id: %s", chi.URLParam(r, "id")))
	case errors.Is(err, repo.ErrorConflict):
		h.logger.Warn("optimistic lock conflict", zap.String("task_id", chi.URLParam(r, "id")), zap.Error(err))
		respond.Error(w, r, http.StatusConflict, conflictMessage)
	case errors.Is(err, service.ErrValidation):
		respond.Error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ratelimit.ErrRateLimited):
		respond.Error(w, r, http.StatusTooManyRequests, "Rate limit exceeded.")
	default:
		h.logger.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
