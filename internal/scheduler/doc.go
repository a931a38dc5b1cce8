// Package scheduler запускает периодический sweep run'ов.
//
// Sweep повторно отправляет зависшие PENDING run и переводит в
// TIMED_OUT run с истёкшим deadline. Расписание задаётся
// cron-выражением (по умолчанию "@every 30s").
//
// Структура:
//   - scheduler.go — Scheduler (Tick, Start, Stop)
//   - cron.go      — парсинг расписаний
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Sweeper: orch,
//	    Leader:  repo.NewAdvisoryLock(pool, repo.SweeperLockKey), // опционально
//	    Logger:  logger,
//	})
//	sched.Start(ctx)
//	defer sched.Stop()
//
// Leader Election:
//
// При нескольких экземплярах orchestrator sweep выполняет только
// лидер: Tick пропускается, пока Leader.TryAcquire возвращает false.
package scheduler
