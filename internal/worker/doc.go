// Package worker выполняет tasks из очереди RabbitMQ.
//
// # Обзор
//
// Worker привязан к одной очереди таблицы маршрутизации и владеет
// собственным mq.Consumer. Тело сообщения — ID task. На каждое
// сообщение Worker:
//
//  1. Парсит ID (битое тело — лог ошибки, сообщение отбрасывается)
//  2. Загружает task из Store (нет task — лог ошибки, отбрасывается)
//  3. Проверяет статус PENDING (иначе повторная доставка — лог, отбрасывается)
//  4. Условно переводит task в RUNNING (PENDING → RUNNING одним UPDATE)
//  5. Находит callable в tasks.Registry и вызывает его с args/kwargs
//  6. Записывает COMPLETED (exit 0) или FAILED (exit 1 / tasks.ExitError)
//
// Сообщение подтверждается Consumer'ом после возврата обработчика в любом
// случае: ошибка callable'а — терминальный исход доставки.
//
// # Использование
//
//	w, err := worker.New("default", worker.Config{
//	    Routing:    routing,
//	    Connection: mq.ParamsFromSettings(settings),
//	    OpenStore:  repo.OpenerFor(settings.DatabaseURL),
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return w.Run(ctx) // до SIGINT/SIGTERM или отмены ctx
//
// # Ошибки
//
// Ошибки callable'а (включая панику и неизвестное имя) не выходят за
// пределы Worker'а и записываются в task.Message. Ошибки Store
// возвращаются из OnMessage и логируются Consumer'ом.
package worker
