// dtq-worker — выполняет task'и из очереди.
//
// Worker:
//   - забирает конверты из очереди блокирующим Dequeue
//   - делает claim, выполняет callback и записывает исход
//   - продлевает liveness token каждые HB_PERIOD_S
//   - отдаёт /healthz и /metrics на WORKER_PORT
//
// Worker'ы stateless и масштабируются горизонтально.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/dtq/internal/config"
	"github.com/shaiso/dtq/internal/heartbeat"
	"github.com/shaiso/dtq/internal/metrics"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/telemetry"
	"github.com/shaiso/dtq/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("dtq-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreBackend == config.BackendMemory {
		logger.Error("memory store is process-local, run dtq-api instead")
		os.Exit(1)
	}

	logger.Info("starting dtq-worker", "worker_id", cfg.WorkerID)

	// graceful shutdown
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

	// RabbitMQ
	var events worker.EventPublisher
	mqConn, err := mq.Setup(ctx, cfg.RabbitMQURL, "dtq-worker/"+cfg.WorkerID, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, lifecycle events disabled", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		events = mq.NewPublisher(mqConn, logger)
	}

	// Heartbeat стартует до worker'а: claim без liveness token'а watchdog
	// сразу посчитал бы осиротевшим. Сигнал его не гасит, только hb.Stop().
	hb, err := heartbeat.New(heartbeat.Config{
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

	var taskTimeout time.Duration
	if cfg.EnforceTaskTimeout {
		taskTimeout = cfg.TaskTimeout
	}

	// Создаём worker
	w := worker.New(worker.Config{
		Tasks:          repo.NewTaskRepo(store),
		Queue:          repo.NewQueue(store),
		Handler:        &worker.DemoHandler{MinDelay: cfg.WorkMinDelay, MaxDelay: cfg.WorkMaxDelay},
		WorkerID:       cfg.WorkerID,
		DequeueTimeout: cfg.DequeueTimeout,
		TaskTimeout:    taskTimeout,
		Events:         events,
		Metrics:        m,
		Logger:         logger,
	})
	w.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + cfg.WorkerPort,
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

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Token продлевается, пока worker дописывает текущую task;
	// продление прекращается только после w.Stop().
	w.Stop()
	hb.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("dtq-worker stopped")
}
