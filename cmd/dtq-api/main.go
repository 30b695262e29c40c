// dtq-api — HTTP API очереди задач.
//
// Процесс:
//   - принимает task'и (POST /tasks) и отдаёт их статус (GET /tasks/{id})
//   - отдаёт /metrics и /healthz
//   - запускает watchdog, если WATCHDOG_ENABLED=true
//   - считает исходы task'ов по событиям из очереди dtq.outcomes
//
// С STORE_BACKEND=memory хранилище живёт внутри процесса и внешние
// worker'ы его не видят, поэтому dtq-api запускает встроенный worker.
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

	"github.com/shaiso/dtq/internal/api"
	"github.com/shaiso/dtq/internal/config"
	"github.com/shaiso/dtq/internal/heartbeat"
	"github.com/shaiso/dtq/internal/metrics"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/telemetry"
	"github.com/shaiso/dtq/internal/watchdog"
	"github.com/shaiso/dtq/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("dtq-api")
	logger.Info("starting dtq-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Координационное хранилище
	store, err := repo.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store connected", "backend", cfg.StoreBackend)

	tasks := repo.NewTaskRepo(store)
	queue := repo.NewQueue(store)

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// RabbitMQ: без брокера события не публикуются
	var events api.EventPublisher
	mqConn, err := mq.Setup(ctx, cfg.RabbitMQURL, "dtq-api", logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, lifecycle events disabled", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		events = mq.NewPublisher(mqConn, logger)
	}

	embedded := cfg.StoreBackend == config.BackendMemory

	// Счётчики исходов от внешних worker'ов
	var consumer *mq.Consumer
	if mqConn != nil && !embedded {
		consumer = mq.NewConsumer(mqConn, mq.ConsumerConfig{
			Queue:   mq.QueueOutcomes,
			Handler: m.HandleEvent,
			Logger:  logger,
		})
		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("outcome consumer stopped", "error", err)
			}
		}()
	}

	// Встроенный worker для memory-бэкенда
	var (
		hb *heartbeat.Heartbeat
		w  *worker.Worker
	)
	if embedded {
		hb, err = heartbeat.New(heartbeat.Config{
			Store:    store,
			WorkerID: cfg.WorkerID,
			TTL:      cfg.HeartbeatTTL,
			Period:   cfg.HeartbeatPeriod,
			Metrics:  m,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("failed to create heartbeat", "error", err)
			os.Exit(1)
		}
		if err := hb.Start(ctx); err != nil {
			logger.Error("failed to start heartbeat", "error", err)
			os.Exit(1)
		}

		w = worker.New(worker.Config{
			Tasks:          tasks,
			Queue:          queue,
			Handler:        &worker.DemoHandler{MinDelay: cfg.WorkMinDelay, MaxDelay: cfg.WorkMaxDelay},
			WorkerID:       cfg.WorkerID,
			DequeueTimeout: cfg.DequeueTimeout,
			TaskTimeout:    taskTimeout(cfg),
			Events:         events,
			Metrics:        m,
			Logger:         logger,
		})
		w.Start(ctx)
		logger.Info("embedded worker started", "worker_id", cfg.WorkerID)
	}

	// Watchdog
	var wd *watchdog.Watchdog
	if cfg.WatchdogEnabled {
		wd = watchdog.New(watchdog.Config{
			Tasks:      tasks,
			Liveness:   store,
			Period:     cfg.WatchdogPeriod,
			MaxRetries: cfg.MaxRetries,
			Events:     events,
			Metrics:    m,
			Logger:     logger,
		})
		wd.Start(ctx)
	}

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Tasks:   tasks,
		Queue:   queue,
		Store:   store,
		Events:  events,
		Metrics: m,
		Logger:  logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler(m, reg, queue.Depth, logger))

	addr := ":" + cfg.APIPort

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if wd != nil {
		wd.Stop()
	}
	// Heartbeat не зависит от ctx сигнала: token продлевается, пока
	// worker дописывает текущую task, и гаснет только после hb.Stop().
	if w != nil {
		w.Stop()
		hb.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}

	logger.Info("dtq-api stopped")
}

// taskTimeout возвращает дедлайн callback'а: TASK_TIMEOUT_S только при
// ENFORCE_TASK_TIMEOUT, иначе без дедлайна.
func taskTimeout(cfg *config.Config) time.Duration {
	if !cfg.EnforceTaskTimeout {
		return 0
	}
	return cfg.TaskTimeout
}
