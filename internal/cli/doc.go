// Package cli реализует инструмент командной строки carrot.
//
// # Команды
//
//   - run: супервизор, запускает воркеров для всех очередей
//   - worker --queue ID: один воркер (процесс, который порождает run)
//   - enqueue CALLABLE: создать task и опубликовать его ID
//   - requeue TASK_ID: повторно опубликовать PENDING task
//   - show TASK_ID: статус и результат task
//   - setup: объявить exchange и очереди
//   - migrate: создать таблицу tasks
//   - queues: таблица маршрутизации
//
// Глобальные флаги: --config (YAML, см. config.Load), --json, --log-file.
//
// # Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: carrot show ID --json | jq .status
//
// Команды создаются методами App, который лениво загружает настройки,
// логгер и зависимости после парсинга PersistentFlags.
package cli
