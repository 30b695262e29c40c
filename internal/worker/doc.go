// Package worker выполняет task'и из очереди.
//
// # Обзор
//
// Worker — stateless процесс. Все его взаимодействия с остальной
// системой идут через координационное хранилище:
//
//  1. Dequeue — блокирующее ожидание конверта (таймаут → снова)
//  2. Claim — task переходит в in_progress за этим worker'ом и попадает в inflight
//  3. Handler — тело task с payload из конверта
//  4. Успех → Commit (done, result); ошибка → Fail (failed, error)
//
// Ошибка Handler'а терминальна и не ретраится: retries увеличивает только
// watchdog, когда worker пропадает между шагами 2 и 4.
//
// # Ключевые компоненты
//
// ## Worker
//
//	w := worker.New(worker.Config{
//	    Tasks:    repo.NewTaskRepo(store),
//	    Queue:    repo.NewQueue(store),
//	    Handler:  &worker.DemoHandler{MinDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second},
//	    WorkerID: cfg.WorkerID,
//	    Logger:   logger,
//	})
//	w.Start(ctx)
//	defer w.Stop()
//
// Stop не прерывает уже начатую task: Handler, Commit и Fail выполняются
// с контекстом без отмены. Heartbeat нужно останавливать после Worker'а,
// чтобы watchdog не забрал task, которую worker ещё дописывает.
//
// ## Handler
//
// Тело task. Паника перехватывается и записывается как ошибка. Если задан
// TaskTimeout, Handler получает контекст с дедлайном, а по его истечении
// task завершается с "execution timeout".
//
// DemoHandler — демонстрационная нагрузка: квадрат числа, echo для
// остального, "crash" → "simulated failure".
//
// # Ошибки хранилища
//
//   - Dequeue: пауза 1s и снова
//   - Claim: конверт возвращается в очередь
//   - Commit/Fail: до 3 попыток с экспоненциальной паузой
package worker
