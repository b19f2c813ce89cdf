package domain

// TaskStatus — статус выполнения task.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//
// PENDING — единственный начальный статус, обратных переходов нет.
type TaskStatus string

const (
	// TaskStatusPending — task создан и ожидает выполнения.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning — task выполняется воркером.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted — callable завершился без ошибки.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed — callable вернул ошибку, упал или не найден.
	TaskStatusFailed TaskStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// ParseTaskStatus парсит строку в TaskStatus.
// Неизвестное значение → ("", false).
func ParseTaskStatus(s string) (TaskStatus, bool) {
	status := TaskStatus(s)
	if !status.IsValid() {
		return "", false
	}
	return status, true
}
