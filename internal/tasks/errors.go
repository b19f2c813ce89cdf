package tasks

import (
	"errors"
	"fmt"
)

// Ошибки реестра и встроенных задач.
var (
	// ErrUnknownCallable — callable не зарегистрирован.
	ErrUnknownCallable = errors.New("unknown callable")

	// ErrDuplicateCallable — callable с таким именем уже зарегистрирован.
	ErrDuplicateCallable = errors.New("callable already registered")

	// ErrInvalidArgs — аргументы не подходят callable'у.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)

// ExitError — ошибка с явным кодом завершения.
//
// Код 0 в ExitError не имеет смысла: такой код при записи результата
// заменяется на 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exit создаёт ExitError.
func Exit(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode возвращает код завершения для ошибки callable'а:
// 0 для nil, ExitError.Code (если не 0), иначе 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	return 1
}
