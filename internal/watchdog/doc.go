// Package watchdog возвращает в работу task'и упавших worker'ов.
//
// # Обзор
//
// Worker, умерший между claim и commit, не может ничего записать.
// Его task остаётся in_progress и в inflight, а liveness token истекает.
// Watchdog периодически сверяет inflight с liveness token'ами и:
//
//   - task без записи — удаляет id из inflight
//   - статус не in_progress или worker пустой — пропускает
//   - worker жив — пропускает
//   - worker мёртв, retries < MaxRetries — Requeue (retries+1, новый конверт)
//   - worker мёртв, retries исчерпаны — Fail("max retries exceeded")
//
// Задержка обнаружения ограничена HB_TTL_S + WATCHDOG_PERIOD_S.
//
// # Несколько экземпляров
//
// Решения принимаются по свежепрочитанной записи, а Requeue и Fail
// применяются только пока task in_progress у того же worker'а. Два
// watchdog'а, одновременно увидевшие мёртвого worker'а, не вернут task
// дважды: второй получит repo.ErrConflict и пропустит id.
//
// # Использование
//
//	wd := watchdog.New(watchdog.Config{
//	    Tasks:      taskRepo,
//	    Liveness:   store,
//	    Period:     cfg.WatchdogPeriod,
//	    MaxRetries: cfg.MaxRetries,
//	    Logger:     logger,
//	})
//	wd.Start(ctx)
//	defer wd.Stop()
package watchdog
