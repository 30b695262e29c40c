// dtq-watchdog — отдельный процесс reconciler'а.
//
// Каждые WATCHDOG_PERIOD_S сверяет inflight task'и с liveness token'ами
// worker'ов: task'и пропавших worker'ов возвращаются в очередь, после
// MAX_RETRIES завершаются с "max retries exceeded".
//
// Переходы условные, поэтому несколько экземпляров (или watchdog внутри
// dtq-api) могут работать одновременно.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaiso/dtq/internal/config"
	"github.com/shaiso/dtq/internal/metrics"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/telemetry"
	"github.com/shaiso/dtq/internal/watchdog"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("dtq-watchdog")
	logger.Info("starting dtq-watchdog")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreBackend == config.BackendMemory {
		logger.Error("memory store is process-local, run dtq-api instead")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := repo.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store connected", "backend", cfg.StoreBackend)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	queue := repo.NewQueue(store)

	var events watchdog.EventPublisher
	mqConn, err := mq.Setup(ctx, cfg.RabbitMQURL, "dtq-watchdog", logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, lifecycle events disabled", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		events = mq.NewPublisher(mqConn, logger)
	}

	wd := watchdog.New(watchdog.Config{
		Tasks:      repo.NewTaskRepo(store),
		Liveness:   store,
		Period:     cfg.WatchdogPeriod,
		MaxRetries: cfg.MaxRetries,
		Events:     events,
		Metrics:    m,
		Logger:     logger,
	})
	wd.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler(m, reg, queue.Depth, logger))

	server := &http.Server{
		Addr:              ":" + cfg.WatchdogPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	wd.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("dtq-watchdog stopped")
}
