package dispatch

import "errors"

// Ошибки клиента.
var (
	// ErrNotPending — task уже не в статусе PENDING, повторная публикация запрещена.
	ErrNotPending = errors.New("task is not pending")

	// ErrInvalidRequest — запрос на постановку в очередь некорректен.
	ErrInvalidRequest = errors.New("invalid enqueue request")
)
