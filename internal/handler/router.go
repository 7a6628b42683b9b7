package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/ratelimit"
)

// NewRouter mounts the task API. Everything except /health passes through
// the rate limiter.
func NewRouter(h *TaskHandler, limiter *ratelimit.Limiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter() // Создаем роутер
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter, logger))

		r.Route("/api/tasks", func(r chi.Router) {
			r.Post("/", h.Create)
			r.Get("/", h.List)
			r.Get("/{id}", h.Get)
			r.Put("/{id}", h.Update)
			r.Patch("/{id}", h.Patch)
			r.Delete("/{id}", h.Delete)
		})
		r.Get("/api/stats", h.Stats)
		r.Method(http.MethodGet, "/ws/tasks", h.Stream())
	})

	return r
}
