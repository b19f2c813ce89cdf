// Package scheduler повторно публикует tasks, застрявшие в PENDING.
//
// Sweeper по cron-расписанию (robfig/cron) выбирает PENDING tasks старше
// RequeueAfter и публикует их ID в их очереди ещё раз.
//
// Использование:
//
//	sweeper, err := scheduler.New(scheduler.Config{
//	    Store:        store,
//	    Requeuer:     client,        // *dispatch.Client
//	    Schedule:     "*/5 * * * *",
//	    RequeueAfter: 10 * time.Minute,
//	    Logger:       logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return sweeper.Start(ctx) // до отмены ctx
//
// Sweeper не реализует leader election. Несколько экземпляров не
// публикуют один task дважды за тик: публикацию захватывает условное
// обновление published_at в Store.
package scheduler
