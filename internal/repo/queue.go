package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/dtq/internal/domain"
)

// Queue — FIFO очередь конвертов между API и worker'ами.
//
// Глубина не ограничена: submit никогда не блокируется и не отклоняется
// из-за размера очереди. Depth нужен только для мониторинга.
type Queue struct {
	store Store
}

// NewQueue создаёт новый Queue.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue добавляет конверт в очередь.
func (q *Queue) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	if err := q.store.Push(ctx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue блокирующе забирает следующий конверт.
// Каждый конверт выдаётся ровно одному вызывающему. Если за timeout
// ничего не пришло, возвращает ErrQueueTimeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.QueueEntry, error) {
	entry, err := q.store.Pop(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return entry, nil
}

// Depth возвращает текущую глубину очереди.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.QueueLen(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
