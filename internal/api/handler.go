package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/dtq/internal/metrics"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/telemetry"
)

// EventPublisher публикует события о task.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, ev *mq.TaskEvent) error
}

// Pinger проверяет доступность хранилища для /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	tasks   *repo.TaskRepo
	queue   *repo.Queue
	store   Pinger
	events  EventPublisher
	metrics *metrics.Metrics
	newID   func() string
	logger  *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Tasks *repo.TaskRepo
	Queue *repo.Queue

	// Store — опционально, без него /healthz всегда отвечает ok.
	Store Pinger

	// Events — опционально.
	Events  EventPublisher
	Metrics *metrics.Metrics

	// NewID генерирует task_id, если клиент его не передал (default: UUIDv4).
	NewID func() string

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	cfg.Logger = telemetry.OrDefault(cfg.Logger)

	return &Handler{
		tasks:   cfg.Tasks,
		queue:   cfg.Queue,
		store:   cfg.Store,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		newID:   cfg.NewID,
		logger:  cfg.Logger.With("component", "api"),
	}
}
