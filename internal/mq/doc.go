// Package mq публикует и читает события жизненного цикла task через RabbitMQ.
//
// События вторичны: ядро очереди живёт в координационном хранилище,
// и отсутствие брокера не останавливает ни API, ни worker'ов.
//
// Структура:
//   - connection.go — соединение с reconnect
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — Message, TaskEvent и публикация
//   - consumer.go   — чтение событий с ack/nack
//
// События (routing key = тип):
//   - task.submitted — API принял task
//   - task.completed — worker записал result
//   - task.failed    — callback упал или исчерпаны retries
//   - task.requeued  — watchdog вернул task в очередь
//
// Собственная очередь dtq.outcomes привязана только к task.completed и
// task.failed. task.submitted и task.requeued публикуются для внешних
// подписчиков: они привязывают свои очереди к dtq.events сами. Пока
// таких очередей нет, брокер отбрасывает эти события (mandatory=false).
package mq
