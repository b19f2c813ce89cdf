// Package service реализует супервизор воркеров.
//
// WorkerService запускает по одному Runner'у на каждую единицу
// concurrency каждой очереди и ждёт, пока все они завершатся.
//
// Виды Runner'ов:
//   - ProcessRunner — отдельный процесс `carrot worker --queue <id>`;
//     на Linux дочерний процесс умирает вместе с супервизором (Pdeathsig)
//   - FuncRunner — воркер в горутине текущего процесса
//
// Остановка кооперативная: по SIGINT/SIGTERM супервизор пересылает
// SIGTERM дочерним процессам (или отменяет ctx FuncRunner'ов), каждый
// воркер дорабатывает текущий task, подтверждает сообщение и выходит.
//
// Использование:
//
//	runners, err := service.RunnersFor(routing, func(q config.Queue, i int) (service.Runner, error) {
//	    return service.NewProcessRunner(service.RunnerName(q, i), q.ID, service.ProcessConfig{})
//	})
//	if err != nil {
//	    return err
//	}
//	return service.New(runners, service.Config{Logger: logger}).Run(ctx)
package service
