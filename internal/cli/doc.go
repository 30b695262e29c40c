// Package cli реализует инструмент командной строки dtq.
//
// # Обзор
//
// CLI — клиентская утилита для dtq API. Работает через HTTP и не
// импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API: POST /tasks, GET /tasks/{id} и опрос до исхода.
// Ответ 4xx/5xx превращается в *APIError с кодом из {"error": {...}}.
//
//	client := cli.NewClient("http://localhost:8080")
//	resp, err := client.SubmitTask(ctx, json.RawMessage(`5`), "")
//	task, err := client.WaitTask(ctx, resp.TaskID, 500*time.Millisecond)
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные выводятся в stdout, сообщения в stderr:
// dtq task get ID --json | jq .result
//
// ## Commands
//
//   - task submit PAYLOAD [--id ID] [--wait] [--timeout 1m]
//   - task get ID
//   - task wait ID [--timeout 1m] [--interval 500ms]
//
// task wait завершается с ошибкой, если task перешла в failed.
package cli
