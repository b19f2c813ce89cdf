// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - transport.go  — интерфейсы Transport/Channel и адаптер amqp091
//   - connection.go — соединение + канал, объявление exchange/queue
//   - publisher.go  — публикация с одной попыткой переподключения
//   - consumer.go   — потребление с reconnect loop и ack после обработки
//   - topology.go   — объявление очередей из таблицы маршрутизации
//   - encoding.go   — кодирование тела сообщений (content_encoding)
//
// Формат сообщения: тело — текстовый ID task в настроенной кодировке,
// дополнительных заголовков нет.
//
// Топология:
//
//	carrot.direct (direct)
//	└── carrot.default [routing: carrot.default]
//	        Consumer: Worker (по одному на единицу concurrency)
package mq
