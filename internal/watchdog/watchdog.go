package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/dtq/internal/domain"
	"github.com/shaiso/dtq/internal/metrics"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/telemetry"
)

const defaultPeriod = 5 * time.Second

// LivenessChecker проверяет liveness token worker'а.
type LivenessChecker interface {
	IsAlive(ctx context.Context, workerID string) (bool, error)
}

// EventPublisher публикует события о task.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, ev *mq.TaskEvent) error
}

// Config — конфигурация Watchdog.
type Config struct {
	Tasks    *repo.TaskRepo
	Liveness LivenessChecker

	// Period — интервал между sweep'ами (default: 5s).
	Period time.Duration

	// MaxRetries — сколько раз task можно вернуть в очередь.
	// 0 означает, что первая же смерть worker'а терминальна.
	MaxRetries int

	// Events — опционально.
	Events  EventPublisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Watchdog — reconciler inflight task'ов.
type Watchdog struct {
	tasks      *repo.TaskRepo
	liveness   LivenessChecker
	period     time.Duration
	maxRetries int
	events     EventPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// New создаёт новый Watchdog.
func New(cfg Config) *Watchdog {
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Watchdog{
		tasks:      cfg.Tasks,
		liveness:   cfg.Liveness,
		period:     cfg.Period,
		maxRetries: cfg.MaxRetries,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "watchdog"),
	}
}

// SweepResult — итог одного sweep'а.
type SweepResult struct {
	Scanned   int // id в снимке inflight
	Requeued  int // возвращены в очередь
	Failed    int // переведены в failed после исчерпания retries
	Dropped   int // удалены из inflight: записи task нет
	Skipped   int // worker жив, статус не in_progress, worker пустой или запись не читается
	Conflicts int // запись изменилась между чтением и переходом
}

// Changed возвращает true, если sweep что-то изменил в хранилище.
func (r SweepResult) Changed() bool {
	return r.Requeued+r.Failed+r.Dropped > 0
}

// Sweep выполняет один цикл сверки.
//
// Для каждого id из снимка inflight решение принимается по только что
// прочитанной записи, а переход условный: если worker успел записать
// исход или другой watchdog уже вернул task, переход не применяется.
// ErrUnavailable прерывает цикл, следующий sweep начнёт заново.
// Нечитаемая запись пропускается, остальные id обрабатываются.
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	ids, err := w.tasks.InflightIDs(ctx)
	if err != nil {
		w.metrics.Sweep("aborted")
		return res, err
	}
	res.Scanned = len(ids)

	for _, id := range ids {
		if err := w.reconcile(ctx, id, &res); err != nil {
			w.metrics.Sweep("aborted")
			return res, err
		}
	}

	w.metrics.Sweep("ok")
	return res, nil
}

// reconcile разбирает один inflight id. Возвращает ошибку только
// если продолжать цикл бессмысленно.
func (w *Watchdog) reconcile(ctx context.Context, id string, res *SweepResult) error {
	logger := telemetry.WithTaskID(w.logger, id)

	task, err := w.tasks.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		if err := w.tasks.DropInflight(ctx, id); err != nil {
			return err
		}
		res.Dropped++
		logger.Warn("dropped inflight entry without task record")
		return nil
	}
	if errors.Is(err, repo.ErrUnavailable) {
		return err
	}
	if err != nil {
		// Битая запись не должна мешать остальным.
		res.Skipped++
		logger.Error("unreadable task record, skipped", "error", err)
		return nil
	}

	if task.Status != domain.TaskStatusInProgress || task.Worker == "" {
		res.Skipped++
		return nil
	}

	alive, err := w.liveness.IsAlive(ctx, task.Worker)
	if err != nil {
		return err
	}
	if alive {
		res.Skipped++
		return nil
	}

	logger = logger.With("worker_id", task.Worker, "retries", task.Retries)

	if task.Retries < w.maxRetries {
		err = w.tasks.Requeue(ctx, task)
	} else {
		err = w.tasks.Fail(ctx, id, task.Worker, domain.MaxRetriesExceeded)
	}

	switch {
	case err == nil:
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrNotFound):
		res.Conflicts++
		logger.Debug("task changed before transition, skipped", "error", err)
		return nil
	case errors.Is(err, repo.ErrUnavailable):
		return err
	default:
		logger.Error("transition failed", "error", err)
		return nil
	}

	ev := &mq.TaskEvent{
		TaskID: id,
		Worker: task.Worker,
		Origin: domain.OriginInfrastructure,
	}
	if task.Retries < w.maxRetries {
		res.Requeued++
		w.metrics.TaskRetried()
		ev.Status = domain.TaskStatusQueued
		ev.Retries = task.Retries + 1
		logger.Warn("worker lost, task requeued")
	} else {
		res.Failed++
		w.metrics.TaskFailed(domain.OriginInfrastructure)
		ev.Status = domain.TaskStatusFailed
		ev.Retries = task.Retries
		ev.Error = domain.MaxRetriesExceeded
		logger.Warn("worker lost, retries exhausted, task failed")
	}
	w.publish(ctx, ev)
	return nil
}

func (w *Watchdog) publish(ctx context.Context, ev *mq.TaskEvent) {
	if w.events == nil {
		return
	}
	if err := w.events.PublishTaskEvent(ctx, ev); err != nil {
		w.logger.Warn("failed to publish task event", "task_id", ev.TaskID, "error", err)
	}
}

// Start запускает периодический sweep.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()

	w.logger.Info("watchdog started", "period", w.period, "max_retries", w.maxRetries)
}

// Stop останавливает sweep и ждёт завершения текущего цикла.
func (w *Watchdog) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runSweep(ctx)
		}
	}
}

func (w *Watchdog) runSweep(ctx context.Context) {
	res, err := w.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("sweep aborted", "error", err, "scanned", res.Scanned)
		}
		return
	}
	if res.Changed() {
		w.logger.Info("sweep completed",
			"scanned", res.Scanned,
			"requeued", res.Requeued,
			"failed", res.Failed,
			"dropped", res.Dropped,
			"conflicts", res.Conflicts,
		)
	}
}
