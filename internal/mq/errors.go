package mq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Ошибки пакета mq.
var (
	// ErrConnection — брокер недоступен, аутентификация не прошла
	// или соединение закрылось. Восстановимая ошибка.
	ErrConnection = errors.New("broker connection error")

	// ErrConfiguration — некорректные параметры (пустой exchange/queue,
	// нет обработчика, неверный тип сообщения). Не повторяется.
	ErrConfiguration = errors.New("broker configuration error")

	// ErrPublish — публикация не удалась даже после одного переподключения.
	ErrPublish = errors.New("publish failed")

	// ErrChannel — невосстановимая ошибка уровня канала (403, 404, 406 ...).
	ErrChannel = errors.New("unrecoverable channel error")
)

// isChannelLevel проверяет, что код AMQP относится к исключениям канала.
//
// Такие ошибки не лечатся переподключением: очереди нет, прав нет,
// параметры объявления не совпадают.
func isChannelLevel(code int) bool {
	switch code {
	case amqp.ContentTooLarge, amqp.NoRoute, amqp.NoConsumers,
		amqp.AccessRefused, amqp.NotFound, amqp.ResourceLocked, amqp.PreconditionFailed:
		return true
	default:
		return false
	}
}

// classify оборачивает ошибку брокера в ErrChannel или ErrConnection.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && isChannelLevel(amqpErr.Code) {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// isConnectionClosed проверяет, что ошибка вызвана закрытым соединением/каналом.
func isConnectionClosed(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return !isChannelLevel(amqpErr.Code)
	}
	return false
}
