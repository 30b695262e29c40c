// Package heartbeat продлевает liveness token worker'а.
//
// Token — ключ с TTL в координационном хранилище. Пока процесс жив,
// Heartbeat каждые Period выставляет его заново с истечением TTL.
// Отсутствие token'а — единственный признак смерти worker'а для watchdog'а.
// Heartbeat не знает, какую task выполняет worker.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/dtq/internal/metrics"
)

// Значения по умолчанию.
const (
	defaultTTL    = 10 * time.Second
	defaultPeriod = 3 * time.Second
)

// ErrInvalidPeriod — TTL не больше периода продления.
var ErrInvalidPeriod = errors.New("heartbeat ttl must be greater than period")

// LivenessStore — запись liveness token'а.
type LivenessStore interface {
	SetLiveness(ctx context.Context, workerID string, ttl time.Duration) error
}

// Config — конфигурация Heartbeat.
type Config struct {
	Store    LivenessStore
	WorkerID string

	TTL    time.Duration // время жизни token'а (default: 10s)
	Period time.Duration // период продления (default: 3s)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Heartbeat — цикл продления liveness token'а.
type Heartbeat struct {
	store    LivenessStore
	workerID string
	ttl      time.Duration
	period   time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// New создаёт новый Heartbeat.
func New(cfg Config) (*Heartbeat, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.TTL <= cfg.Period {
		return nil, fmt.Errorf("%w: ttl=%s period=%s", ErrInvalidPeriod, cfg.TTL, cfg.Period)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Heartbeat{
		store:    cfg.Store,
		workerID: cfg.WorkerID,
		ttl:      cfg.TTL,
		period:   cfg.Period,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "heartbeat", "worker_id", cfg.WorkerID),
	}, nil
}

// Start выставляет token сразу и запускает цикл продления.
// Первое продление синхронное: если хранилище недоступно, Start
// возвращает ошибку, и worker не начинает брать tasks.
//
// Цикл останавливает только Stop. Отмена ctx его не трогает: при
// остановке процесса worker дописывает текущую task под живым token'ом.
func (h *Heartbeat) Start(ctx context.Context) error {
	if err := h.Beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancelFunc = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.loop(ctx)
	}()

	h.logger.Info("heartbeat started", "ttl", h.ttl, "period", h.period)
	return nil
}

// Stop останавливает продление. Token истечёт сам через TTL.
func (h *Heartbeat) Stop() {
	if h.cancelFunc != nil {
		h.cancelFunc()
	}
	h.wg.Wait()
	h.logger.Info("heartbeat stopped")
}

// Beat выставляет token один раз.
func (h *Heartbeat) Beat(ctx context.Context) error {
	return h.store.SetLiveness(ctx, h.workerID, h.ttl)
}

func (h *Heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Продление не должно висеть дольше периода, иначе следующий тик опоздает.
			beatCtx, cancel := context.WithTimeout(ctx, h.period)
			err := h.Beat(beatCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				h.metrics.HeartbeatError()
				h.logger.Warn("heartbeat renewal failed", "error", err)
			}
		}
	}
}
