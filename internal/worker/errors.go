package worker

import "errors"

// Ошибки выполнения task. Все они терминальны: task уходит в failed.
var (
	// ErrCallbackPanic — Handler запаниковал.
	ErrCallbackPanic = errors.New("callback panic")

	// ErrExecutionTimeout — Handler не уложился в TaskTimeout.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrInvalidPayload — payload не разбирается как JSON.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidResult — Handler вернул result, который не является JSON.
	ErrInvalidResult = errors.New("invalid result")

	// ErrSimulatedFailure — ответ DemoHandler на payload "crash".
	ErrSimulatedFailure = errors.New("simulated failure")
)
