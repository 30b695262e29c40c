package repo

import (
	"errors"
	"fmt"
)

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись task не найдена.
	ErrNotFound = errors.New("not found")

	// ErrConflict — условие перехода не выполнено: task уже в другом
	// статусе или у другого worker'а.
	ErrConflict = errors.New("task state changed")

	// ErrQueueTimeout — за отведённое время в очереди ничего не появилось.
	ErrQueueTimeout = errors.New("queue pop timeout")

	// ErrMalformedEntry — конверт в очереди не разбирается.
	// Сырой конверт сохраняется в MalformedKey.
	ErrMalformedEntry = errors.New("malformed queue entry")

	// ErrUnavailable — координационное хранилище недоступно.
	ErrUnavailable = errors.New("store unavailable")
)

// unavailable оборачивает ошибку бэкенда в ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
