package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shaiso/dtq/internal/domain"
)

// Ключи координационного хранилища. Redis использует их напрямую,
// остальные бэкенды повторяют ту же модель таблицами/map'ами.
const (
	QueueKey     = "queue:tasks"
	InflightKey  = "inflight"
	MalformedKey = "queue:tasks:malformed" // конверты, не разобранные при Pop
	taskPrefix   = "task:"
	livenessPref = "worker:hb:"
)

// TaskKey возвращает ключ hash'а task.
func TaskKey(id string) string { return taskPrefix + id }

// LivenessKey возвращает ключ liveness token'а worker'а.
func LivenessKey(workerID string) string { return livenessPref + workerID }

// Store — атомарные примитивы координационного хранилища.
//
// Все межпроцессные взаимодействия идут через Store. Реализации:
// RedisStore (по умолчанию), PostgresStore и MemoryStore (тесты,
// однопроцессный режим).
type Store interface {
	// Apply атомарно применяет Update: изменение полей записи task,
	// push в очередь и изменение inflight — одной транзакцией.
	Apply(ctx context.Context, u *Update) error

	// GetTask возвращает запись task или ErrNotFound.
	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// Push добавляет конверт в конец очереди.
	Push(ctx context.Context, entry *domain.QueueEntry) error

	// Pop блокирующе забирает конверт из головы очереди.
	// Если за timeout ничего не пришло — ErrQueueTimeout.
	Pop(ctx context.Context, timeout time.Duration) (*domain.QueueEntry, error)

	// QueueLen возвращает текущую глубину очереди.
	QueueLen(ctx context.Context) (int64, error)

	// InflightIDs возвращает снимок множества inflight.
	InflightIDs(ctx context.Context) ([]string, error)

	// RemoveInflight удаляет id из inflight (починка рассинхрона).
	RemoveInflight(ctx context.Context, id string) error

	// SetLiveness выставляет liveness token worker'а с истечением через ttl.
	SetLiveness(ctx context.Context, workerID string, ttl time.Duration) error

	// IsAlive проверяет наличие неистёкшего liveness token'а.
	IsAlive(ctx context.Context, workerID string) (bool, error)

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error

	// Close освобождает соединения.
	Close() error
}

// Guard — условие, при котором Update применяется.
// Пустое поле не проверяется.
type Guard struct {
	Status domain.TaskStatus
	Worker string
}

// matches проверяет условие против текущих значений записи.
func (g *Guard) matches(status domain.TaskStatus, worker string) bool {
	if g == nil {
		return true
	}
	if g.Status != "" && g.Status != status {
		return false
	}
	if g.Worker != "" && g.Worker != worker {
		return false
	}
	return true
}

// Update — одно атомарное изменение состояния task.
//
// Если задан Create — запись перезаписывается целиком (Guard игнорируется).
// Иначе запись должна существовать (ErrNotFound), и при заданном Guard
// его условие должно выполняться (ErrConflict).
type Update struct {
	TaskID string

	// Create — полная новая запись.
	Create *domain.Task

	// Поля частичного обновления. Применяются только заданные.
	Status      domain.TaskStatus
	Worker      *string
	Result      json.RawMessage
	Error       *string
	IncrRetries bool
	UpdatedAt   time.Time

	// Push — конверт, публикуемый в очередь в той же транзакции.
	Push *domain.QueueEntry

	AddInflight    bool
	RemoveInflight bool

	Guard *Guard
}

// allows проверяет Guard и допустимость перехода статуса для текущих
// значений записи.
func (u *Update) allows(status domain.TaskStatus, worker string) bool {
	if !u.Guard.matches(status, worker) {
		return false
	}
	return u.Status == "" || status.CanTransitionTo(u.Status)
}

// applyTo применяет частичное обновление к копии записи.
// Используется MemoryStore и как эталон семантики для остальных бэкендов.
func (u *Update) applyTo(t *domain.Task) {
	if u.Status != "" {
		t.Status = u.Status
	}
	if u.Worker != nil {
		t.Worker = *u.Worker
	}
	if u.Result != nil {
		t.Result = u.Result
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.IncrRetries {
		t.Retries++
	}
	if !u.UpdatedAt.IsZero() {
		t.UpdatedAt = u.UpdatedAt
	}
	if u.Push != nil {
		t.EnqueuedAt = u.Push.EnqueuedAt
	}
}
