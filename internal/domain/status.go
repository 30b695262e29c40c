package domain

// TaskStatus — статус task.
//
// Жизненный цикл:
//
//	queued → in_progress → done
//	                     ↘ failed
//	in_progress → queued (только watchdog, retries+1)
//
// done и failed — терминальные, запись после них не меняется.
type TaskStatus string

const (
	// TaskStatusQueued — task в очереди, ожидает worker.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusInProgress — task захвачен worker'ом и выполняется.
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusDone — task успешно выполнен, есть result.
	TaskStatusDone TaskStatus = "done"

	// TaskStatusFailed — task завершился ошибкой, есть error.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус входит в известный набор.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusInProgress, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет, допустим ли переход s → next.
//
// in_progress → queued допустим только для watchdog, но на уровне графа
// переходов это не различается.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusInProgress
	case TaskStatusInProgress:
		return next == TaskStatusDone || next == TaskStatusFailed || next == TaskStatusQueued
	default:
		return false
	}
}

// FailureOrigin — источник ошибки, приведшей к failed или requeue.
//
// Ошибка callback'а внутри процесса терминальна сразу, смерть процесса
// worker'а ретраится watchdog'ом.
type FailureOrigin string

const (
	// OriginApplication — callback вернул ошибку (или запаниковал).
	OriginApplication FailureOrigin = "application"

	// OriginInfrastructure — worker пропал (истёк liveness token).
	OriginInfrastructure FailureOrigin = "infrastructure"
)
