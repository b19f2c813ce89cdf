// carrot — очередь задач поверх RabbitMQ.
//
// Использование:
//
//	carrot [--config FILE] [--json] [--log-file FILE] <command> [flags]
//
// Команды:
//
//	run       Супервизор воркеров
//	worker    Один воркер для очереди
//	enqueue   Поставить task в очередь
//	requeue   Повторно опубликовать PENDING task
//	show      Показать task
//	setup     Объявить exchange и очереди
//	migrate   Создать таблицу tasks
//	queues    Показать таблицу маршрутизации
package main

import (
	"context"
	"os"

	"github.com/shaiso/carrot/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	app := cli.NewApp(version)
	if err := app.Execute(context.Background(), os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
