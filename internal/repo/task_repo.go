package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/dtq/internal/domain"
)

// TaskRepo — операции жизненного цикла task.
//
// Каждая мутация — одна атомарная транзакция Store: поля записи,
// очередь и inflight меняются вместе. Переходы, выполняемые worker'ом
// и watchdog'ом, условные (Guard): если запись успела измениться,
// возвращается ErrConflict и ничего не пишется.
type TaskRepo struct {
	store Store
	now   func() time.Time
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(store Store) *TaskRepo {
	return &TaskRepo{store: store, now: time.Now}
}

// SetClock подменяет источник времени для updated_at/enqueued_at.
func (r *TaskRepo) SetClock(now func() time.Time) {
	r.now = now
}

// Create записывает task в статусе queued и публикует конверт в очередь.
//
// Повторный Create с тем же id перезаписывает запись и добавляет ещё
// один конверт: дубликаты — ошибка клиента, здесь не проверяются.
func (r *TaskRepo) Create(ctx context.Context, id string, payload json.RawMessage) (*domain.Task, error) {
	now := r.now().UTC()
	task := &domain.Task{
		ID:         id,
		Status:     domain.TaskStatusQueued,
		Payload:    payload,
		Retries:    0,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	err := r.store.Apply(ctx, &Update{
		TaskID: id,
		Create: task,
		Push:   task.Entry(),
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Claim переводит task в in_progress за workerID и добавляет в inflight.
//
// Вызывающий уже эксклюзивно забрал конверт из очереди. Если запись
// не в статусе queued (например, конверт устарел), возвращает ErrConflict.
func (r *TaskRepo) Claim(ctx context.Context, id, workerID string) error {
	err := r.store.Apply(ctx, &Update{
		TaskID:      id,
		Status:      domain.TaskStatusInProgress,
		Worker:      &workerID,
		UpdatedAt:   r.now().UTC(),
		AddInflight: true,
		Guard:       &Guard{Status: domain.TaskStatusQueued},
	})
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	return nil
}

// Commit записывает результат и переводит task в done, worker очищается.
// Применяется только пока task в in_progress у workerID.
func (r *TaskRepo) Commit(ctx context.Context, id, workerID string, result json.RawMessage) error {
	if result == nil {
		result = json.RawMessage("null")
	}
	empty := ""
	err := r.store.Apply(ctx, &Update{
		TaskID:         id,
		Status:         domain.TaskStatusDone,
		Worker:         &empty,
		Result:         result,
		UpdatedAt:      r.now().UTC(),
		RemoveInflight: true,
		Guard:          &Guard{Status: domain.TaskStatusInProgress, Worker: workerID},
	})
	if err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	return nil
}

// Fail переводит task в failed с текстом ошибки. retries не меняется,
// worker очищается.
//
// workerID — worker, за которым task должен числиться в момент перехода:
// сам worker при ошибке callback'а или мёртвый worker для watchdog'а.
func (r *TaskRepo) Fail(ctx context.Context, id, workerID, message string) error {
	empty := ""
	err := r.store.Apply(ctx, &Update{
		TaskID:         id,
		Status:         domain.TaskStatusFailed,
		Worker:         &empty,
		Error:          &message,
		UpdatedAt:      r.now().UTC(),
		RemoveInflight: true,
		Guard:          &Guard{Status: domain.TaskStatusInProgress, Worker: workerID},
	})
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Requeue возвращает task в очередь: status=queued, worker пустой,
// retries+1, новый конверт с исходным payload.
//
// task — запись, прочитанная watchdog'ом. Переход применяется только
// если task всё ещё in_progress у того же worker'а.
func (r *TaskRepo) Requeue(ctx context.Context, task *domain.Task) error {
	now := r.now().UTC()
	empty := ""
	err := r.store.Apply(ctx, &Update{
		TaskID:      task.ID,
		Status:      domain.TaskStatusQueued,
		Worker:      &empty,
		IncrRetries: true,
		UpdatedAt:   now,
		Push: &domain.QueueEntry{
			TaskID:     task.ID,
			Payload:    task.Payload,
			EnqueuedAt: now,
		},
		RemoveInflight: true,
		Guard:          &Guard{Status: domain.TaskStatusInProgress, Worker: task.Worker},
	})
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// Get возвращает запись task или ErrNotFound.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// InflightIDs возвращает снимок inflight.
func (r *TaskRepo) InflightIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.InflightIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("inflight snapshot: %w", err)
	}
	return ids, nil
}

// DropInflight удаляет id из inflight без изменения записи.
// Используется watchdog'ом для id, чья запись исчезла.
func (r *TaskRepo) DropInflight(ctx context.Context, id string) error {
	if err := r.store.RemoveInflight(ctx, id); err != nil {
		return fmt.Errorf("drop inflight: %w", err)
	}
	return nil
}
