// Package config загружает настройки carrot и строит таблицу маршрутизации.
//
// Таблица маршрутизации (Routing) — неизменяемое отображение
// логического имени очереди в очередь RabbitMQ и количество воркеров.
// Она строится один раз при старте процесса и передаётся явно
// в каждый Worker и Publisher, глобального состояния нет.
//
// Пример YAML:
//
//	host: rabbitmq
//	exchange: carrot.direct
//	queues:
//	  - {id: default, name: carrot.default, concurrency: 2}
//	  - {id: emails, name: carrot.emails, concurrency: 4}
//	requeue_cron: "*/5 * * * *"
package config
