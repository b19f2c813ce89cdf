package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Func — зарегистрированная функция.
//
// Возвращаемая строка записывается в message task при успехе.
// Ошибка переводит task в FAILED; код берётся из ExitCode.
type Func func(ctx context.Context, call Call) (string, error)

// Call — аргументы одного вызова.
//
// Args и Kwargs приходят из JSON: числа — float64, объекты — map[string]any.
type Call struct {
	TaskID uuid.UUID
	Args   []any
	Kwargs map[string]any
	Logger *slog.Logger
}

// Log возвращает logger вызова (slog.Default, если не задан).
func (c Call) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Arg возвращает позиционный аргумент или nil.
func (c Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Has проверяет наличие именованного аргумента.
func (c Call) Has(key string) bool {
	_, ok := c.Kwargs[key]
	return ok
}

// String извлекает строковый kwarg.
func (c Call) String(key, defaultVal string) string {
	if v, ok := c.Kwargs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// Float извлекает числовой kwarg.
func (c Call) Float(key string, defaultVal float64) float64 {
	if v, ok := c.Kwargs[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return defaultVal
}

// Int извлекает целочисленный kwarg.
func (c Call) Int(key string, defaultVal int) int {
	if v, ok := c.Kwargs[key]; ok {
		if f, ok := toFloat(v); ok {
			return int(f)
		}
	}
	return defaultVal
}

// Bool извлекает булев kwarg.
func (c Call) Bool(key string, defaultVal bool) bool {
	if v, ok := c.Kwargs[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// StringMap извлекает map[string]string, пропуская нестроковые значения.
func (c Call) StringMap(key string) map[string]string {
	v, ok := c.Kwargs[key]
	if !ok {
		return nil
	}

	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		result := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				result[k] = s
			}
		}
		return result
	}
	return nil
}

// ArgFloat возвращает позиционный аргумент как число.
func (c Call) ArgFloat(i int) (float64, error) {
	v := c.Arg(i)
	if v == nil {
		return 0, fmt.Errorf("%w: positional argument %d is required", ErrInvalidArgs, i)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: positional argument %d must be a number, got %T", ErrInvalidArgs, i, v)
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
