package domain

import (
	"encoding/json"
	"time"
)

// MaxRetriesExceeded — текст ошибки, с которой watchdog завершает task
// после исчерпания retries.
const MaxRetriesExceeded = "max retries exceeded"

// Task — единица работы и её запись в координационном хранилище.
//
// Task создаётся API при submit и проходит через очередь к worker'у.
// Payload непрозрачен для системы и возвращается worker'у как есть.
type Task struct {
	// ID — уникальный идентификатор task (от клиента или сгенерированный).
	ID string `json:"task_id"`

	// Status — текущий статус task.
	Status TaskStatus `json:"status"`

	// Payload — входные данные в виде JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Result — результат выполнения, только для done.
	Result json.RawMessage `json:"result,omitempty"`

	// Error — текст ошибки, только для failed.
	Error string `json:"error,omitempty"`

	// Worker — ID worker'а, держащего task. Пустой, если task не in_progress.
	Worker string `json:"worker,omitempty"`

	// Retries — сколько раз watchdog вернул task в очередь.
	Retries int `json:"retries"`

	// EnqueuedAt — время последней постановки в очередь.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// UpdatedAt — время последнего изменения записи.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если task в терминальном статусе.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// QueueEntry — конверт, который лежит в очереди.
//
// Одна запись выдаётся ровно одному worker'у. При requeue watchdog
// публикует новый конверт с тем же payload.
type QueueEntry struct {
	TaskID     string          `json:"task_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Entry строит QueueEntry для task.
func (t *Task) Entry() *QueueEntry {
	return &QueueEntry{
		TaskID:     t.ID,
		Payload:    t.Payload,
		EnqueuedAt: t.EnqueuedAt,
	}
}

// QueueWait возвращает, сколько конверт пролежал в очереди к моменту now.
func (e *QueueEntry) QueueWait(now time.Time) time.Duration {
	if e.EnqueuedAt.IsZero() {
		return 0
	}
	return now.Sub(e.EnqueuedAt)
}
