package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/dtq/internal/domain"
	"github.com/shaiso/dtq/internal/metrics"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultDequeueTimeout = 5 * time.Second

	// unavailableBackoff — пауза после ошибки хранилища в Dequeue.
	unavailableBackoff = time.Second

	// outcomeAttempts — сколько раз пытаться записать исход task.
	outcomeAttempts = 3
	outcomeBackoff  = 200 * time.Millisecond
)

// EventPublisher публикует события о task.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, ev *mq.TaskEvent) error
}

// Config — конфигурация Worker.
type Config struct {
	Tasks   *repo.TaskRepo
	Queue   *repo.Queue
	Handler Handler

	// WorkerID — идентификатор, под которым worker делает claim
	// и продлевает liveness token.
	WorkerID string

	// DequeueTimeout — сколько ждать в блокирующем Dequeue (default: 5s).
	DequeueTimeout time.Duration

	// TaskTimeout — дедлайн Handler'а. 0 — без дедлайна.
	TaskTimeout time.Duration

	// Events — опционально.
	Events  EventPublisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Worker — цикл выполнения task'ов.
//
// Один Worker обрабатывает одну task за раз: Dequeue → Claim →
// Handler → Commit/Fail. Liveness token продлевает отдельный
// heartbeat.Heartbeat, который не зависит от длительности Handler'а.
type Worker struct {
	tasks          *repo.TaskRepo
	queue          *repo.Queue
	handler        Handler
	id             string
	dequeueTimeout time.Duration
	taskTimeout    time.Duration
	events         EventPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = defaultDequeueTimeout
	}
	cfg.Logger = telemetry.OrDefault(cfg.Logger)

	return &Worker{
		tasks:          cfg.Tasks,
		queue:          cfg.Queue,
		handler:        cfg.Handler,
		id:             cfg.WorkerID,
		dequeueTimeout: cfg.DequeueTimeout,
		taskTimeout:    cfg.TaskTimeout,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         telemetry.WithWorkerID(cfg.Logger.With("component", "worker"), cfg.WorkerID),
	}
}

// Start запускает цикл выполнения.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()

	w.logger.Info("worker started",
		"dequeue_timeout", w.dequeueTimeout,
		"task_timeout", w.taskTimeout,
	)
}

// Stop перестаёт брать новые task'и и ждёт завершения текущей.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.processNext(ctx)
		switch {
		case err == nil, errors.Is(err, repo.ErrQueueTimeout):
		case ctx.Err() != nil:
			return
		case errors.Is(err, repo.ErrMalformedEntry):
			w.logger.Error("skipped malformed queue entry", "error", err)
		case errors.Is(err, repo.ErrUnavailable):
			w.logger.Warn("dequeue failed, backing off", "error", err, "backoff", unavailableBackoff)
			sleepCtx(ctx, unavailableBackoff)
		default:
			w.logger.Error("dequeue failed", "error", err)
			sleepCtx(ctx, unavailableBackoff)
		}
	}
}

// processNext забирает один конверт и доводит task до исхода.
// Если очередь пуста дольше DequeueTimeout, возвращает repo.ErrQueueTimeout.
func (w *Worker) processNext(ctx context.Context) error {
	entry, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
	if err != nil {
		return err
	}

	// Task, которую уже забрали, доводится до конца даже при остановке.
	w.process(context.WithoutCancel(ctx), entry)
	return nil
}

func (w *Worker) process(ctx context.Context, entry *domain.QueueEntry) {
	logger := telemetry.WithTaskID(w.logger, entry.TaskID)
	w.metrics.ObserveQueueWait(entry.QueueWait(time.Now()))

	if err := w.tasks.Claim(ctx, entry.TaskID, w.id); err != nil {
		if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
			logger.Warn("stale queue entry dropped", "error", err)
			return
		}
		// Claim не записан: возвращаем конверт, иначе task останется
		// queued без конверта. Дубликат отсечёт guard следующего Claim.
		logger.Error("claim failed, returning entry to queue", "error", err)
		if err := w.queue.Enqueue(ctx, entry); err != nil {
			logger.Error("failed to return entry to queue", "error", err)
		}
		return
	}
	logger.Debug("task claimed")

	started := time.Now()
	result, execErr := w.execute(ctx, entry.Payload)
	elapsed := time.Since(started)
	w.metrics.ObserveTaskDuration(elapsed)

	ev := &mq.TaskEvent{
		TaskID:     entry.TaskID,
		Worker:     w.id,
		DurationMS: elapsed.Milliseconds(),
	}

	if execErr != nil {
		msg := execErr.Error()
		err := w.writeOutcome(ctx, func() error {
			return w.tasks.Fail(ctx, entry.TaskID, w.id, msg)
		})
		if err != nil {
			w.outcomeLost(logger, "fail", err)
			return
		}
		w.metrics.TaskFailed(domain.OriginApplication)
		logger.Warn("task failed", "error", msg, "origin", domain.OriginApplication, "duration", elapsed)

		ev.Status = domain.TaskStatusFailed
		ev.Origin = domain.OriginApplication
		ev.Error = msg
		w.publish(ctx, ev)
		return
	}

	err := w.writeOutcome(ctx, func() error {
		return w.tasks.Commit(ctx, entry.TaskID, w.id, result)
	})
	if err != nil {
		w.outcomeLost(logger, "commit", err)
		return
	}
	w.metrics.TaskCompleted()
	logger.Info("task completed", "duration", elapsed)

	ev.Status = domain.TaskStatusDone
	w.publish(ctx, ev)
}

// execute вызывает Handler, превращая панику и таймаут в ошибки.
func (w *Worker) execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if w.taskTimeout <= 0 {
		return w.invoke(ctx, payload)
	}

	ctx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := w.invoke(ctx, payload)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrExecutionTimeout
		}
		return out.result, out.err
	case <-ctx.Done():
		// Handler не отреагировал на отмену. Его горутина доработает
		// сама, результат будет отброшен.
		return nil, ErrExecutionTimeout
	}
}

func (w *Worker) invoke(ctx context.Context, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		}
	}()

	result, err = w.handler.Handle(ctx, payload)
	if err != nil {
		return nil, err
	}
	if result != nil && !json.Valid(result) {
		return nil, ErrInvalidResult
	}
	return result, nil
}

// writeOutcome повторяет запись исхода, пока хранилище недоступно.
// Потерянный commit нельзя восстановить: watchdog не трогает task'и
// живых worker'ов.
func (w *Worker) writeOutcome(ctx context.Context, write func() error) error {
	var err error
	backoff := outcomeBackoff
	for attempt := 1; attempt <= outcomeAttempts; attempt++ {
		err = write()
		if err == nil || !errors.Is(err, repo.ErrUnavailable) {
			return err
		}
		if attempt < outcomeAttempts {
			w.logger.Warn("outcome write failed, retrying", "attempt", attempt, "error", err)
			sleepCtx(ctx, backoff)
			backoff *= 2
		}
	}
	return err
}

func (w *Worker) outcomeLost(logger *slog.Logger, op string, err error) {
	if errors.Is(err, repo.ErrConflict) {
		// Watchdog уже вернул task в очередь или завершил её.
		logger.Warn("task reassigned before "+op+", outcome discarded", "error", err)
		return
	}
	logger.Error(op+" failed, outcome lost", "error", err)
}

func (w *Worker) publish(ctx context.Context, ev *mq.TaskEvent) {
	if w.events == nil {
		return
	}
	if err := w.events.PublishTaskEvent(ctx, ev); err != nil {
		w.logger.Warn("failed to publish task event", "task_id", ev.TaskID, "error", err)
	}
}

// sleepCtx ждёт d или отмены ctx.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
