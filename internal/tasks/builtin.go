package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Имена встроенных callable'ов.
const (
	NameEcho        = "carrot.echo"
	NameSleep       = "carrot.sleep"
	NameFail        = "carrot.fail"
	NameHTTPRequest = "http.request"
)

// Echo логирует аргументы и возвращает их в message.
func Echo(_ context.Context, call Call) (string, error) {
	parts := make([]string, 0, len(call.Args))
	for _, a := range call.Args {
		parts = append(parts, fmt.Sprint(a))
	}
	out := strings.Join(parts, " ")

	call.Log().Info("echo", "args", call.Args, "kwargs", call.Kwargs)
	return out, nil
}

// maxSleepSeconds — предел, при котором time.Duration ещё не переполняется.
const maxSleepSeconds = float64(math.MaxInt64 / int64(time.Second))

// Sleep ждёт args[0] секунд (или kwarg "seconds").
// Отмена контекста прерывает ожидание с ошибкой.
func Sleep(ctx context.Context, call Call) (string, error) {
	seconds := call.Float("seconds", -1)
	if seconds < 0 {
		f, err := call.ArgFloat(0)
		if err != nil {
			return "", err
		}
		seconds = f
	}
	if seconds < 0 {
		return "", fmt.Errorf("%w: %s: seconds must be >= 0", ErrInvalidArgs, NameSleep)
	}
	if seconds > maxSleepSeconds {
		return "", fmt.Errorf("%w: %s: seconds must be <= %.0f", ErrInvalidArgs, NameSleep, maxSleepSeconds)
	}

	duration := time.Duration(seconds * float64(time.Second))

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return fmt.Sprintf("slept %s", duration), nil
	}
}

// Fail всегда завершается ошибкой.
//
// kwargs: message (текст ошибки), exit_code (код завершения, по умолчанию 1).
func Fail(_ context.Context, call Call) (string, error) {
	msg := call.String("message", "task failed on purpose")
	if len(call.Args) > 0 && !call.Has("message") {
		msg = fmt.Sprint(call.Args[0])
	}
	return "", Exit(call.Int("exit_code", 1), errors.New(msg))
}
