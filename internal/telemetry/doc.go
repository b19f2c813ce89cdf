// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики и /metrics endpoint
//
// Супервизор и каждый воркер используют единый формат логирования
// (LOG_LEVEL, LOG_FORMAT) и могут экспортировать метрики.
package telemetry
