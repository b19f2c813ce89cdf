// Package tasks содержит реестр callable'ов, которые выполняет Worker.
//
// Task хранит имя callable'а и аргументы; Worker находит функцию
// в Registry и вызывает её:
//
//	registry := tasks.Default() // carrot.echo, carrot.sleep, carrot.fail, http.request
//	registry.MustRegister("billing.charge", func(ctx context.Context, call tasks.Call) (string, error) {
//	    customer := call.String("customer_id", "")
//	    ...
//	    return "charged", nil
//	})
//
// Код завершения: 0 при успехе, 1 при ошибке. Функция может вернуть
// свой код через tasks.Exit(code, err).
//
// Неизвестное имя — ErrUnknownCallable; Worker записывает такую task
// как FAILED с сообщением об ошибке разрешения.
package tasks
