package cli

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseValue разбирает значение аргумента: валидный JSON (число, bool,
// null, массив, объект, строка в кавычках) или обычная строка.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// parseArgs разбирает позиционные аргументы --arg.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		args = append(args, parseValue(r))
	}
	return args
}

// parseKwargs разбирает именованные аргументы --kwarg KEY=VALUE.
func parseKwargs(raw []string) (map[string]any, error) {
	kwargs := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid kwarg format %q, expected KEY=VALUE", kv)
		}
		kwargs[strings.TrimSpace(key)] = parseValue(value)
	}
	return kwargs, nil
}
