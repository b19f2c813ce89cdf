package worker

import "errors"

// Ошибки воркера.
var (
	// ErrInvalidMessage — тело сообщения не является ID task.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTaskNotFound — task не найден в БД.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStaleDelivery — task уже не в статусе PENDING
	// (повторная доставка или task забрал другой worker).
	ErrStaleDelivery = errors.New("stale delivery")
)
