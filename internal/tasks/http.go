package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
	maxMessageBody     = 200
)

// NewHTTPRequest возвращает callable "http.request".
//
// kwargs:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут в секундах. Default: 30
//
// Ответ со статусом >= 400 — ошибка. В message записываются статус
// и начало тела ответа.
func NewHTTPRequest(client *http.Client) Func {
	if client == nil {
		client = &http.Client{}
	}

	return func(ctx context.Context, call Call) (string, error) {
		method := call.String("method", http.MethodGet)
		url := call.String("url", "")
		if url == "" {
			return "", fmt.Errorf("%w: %s: url is required", ErrInvalidArgs, NameHTTPRequest)
		}

		timeout := defaultHTTPTimeout
		if sec := call.Float("timeout_sec", 0); sec > 0 {
			timeout = time.Duration(sec * float64(time.Second))
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var bodyReader io.Reader
		if body, ok := call.Kwargs["body"]; ok && body != nil {
			bodyBytes, err := json.Marshal(body)
			if err != nil {
				return "", fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return "", fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
		}

		for key, val := range call.StringMap("headers") {
			req.Header.Set(key, val)
		}

		// Content-Type по умолчанию для запросов с body
		if bodyReader != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrHTTPRequest, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return "", fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
		}

		summary := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), maxMessageBody))

		call.Log().Debug("http request finished",
			"method", method,
			"url", url,
			"status_code", resp.StatusCode,
		)

		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("%w: %s", ErrHTTPRequest, summary)
		}
		return summary, nil
	}
}

// truncate обрезает строку до maxLen символов (не байт).
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
