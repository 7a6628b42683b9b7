package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/cache"
	"github.com/BuzzLyutic/kanban-api/internal/handler"
	"github.com/BuzzLyutic/kanban-api/internal/notify"
	"github.com/BuzzLyutic/kanban-api/internal/ratelimit"
	"github.com/BuzzLyutic/kanban-api/internal/service"
	"github.com/BuzzLyutic/kanban-api/internal/telemetry"
	"github.com/BuzzLyutic/kanban-api/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// Загрузка конфигурации и логгер
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
		return err
	}
	defer closeStore() // Запланированное закрытие соединения

	taskCache := cache.New(cfg.Cache)
	limiter := ratelimit.New(cfg.RateLimit)

	hub := notify.NewHub(cfg.Notify, logger)
	hub.Start(ctx)
	defer hub.Stop()

	maintenance := worker.NewPool(logger,
		worker.BucketEviction(limiter, cfg.MaintenanceInterval),
		worker.CacheSweep(taskCache, cfg.MaintenanceInterval),
	)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	taskService := service.NewTaskService(store, taskCache, hub, logger, service.WithPatchRetries(cfg.PatchRetries))
	taskHandler := handler.NewTaskHandler(taskService, logger)

	srv := http.Server{ // Создаем сервер
		Addr:         ":" + cfg.Port,
		Handler:      handler.NewRouter(taskHandler, limiter, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { // Запуск сервера и обработка ошибок
		logger.Info("Server started", zap.String("port", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// websocket-соединения не закрываются Shutdown, их закрывает hub.Stop
	hub.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
		return err
	}
	logger.Info("Server stopped successfully!", zap.Any("cache", taskCache.Stats()), zap.Uint64("events_dropped", hub.Dropped()))
	return nil
}
