// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go      — Handler с DI (TaskRepo, Queue, publisher, metrics, logger)
//   - routes.go       — регистрация маршрутов
//   - middleware.go   — middleware (request id, logging, recovery)
//   - response.go     — JSON-ответы и маппинг ошибок репозитория
//   - dto.go          — Data Transfer Objects (request/response)
//   - task_handler.go — обработчики для /tasks и /healthz
//
// Маршруты:
//
//	POST /tasks       {"payload": any, "task_id"?: string} → 201 {"task_id", "status": "queued"}
//	GET  /tasks/{id}  → 200 проекция task или 404
//	GET  /healthz     → 200 "ok" или 503, если хранилище недоступно
//
// Ошибки отдаются в виде {"error": {"code", "message", "task_id"?}}:
// INVALID_REQUEST (400), TASK_NOT_FOUND (404), STORE_UNAVAILABLE (503),
// INTERNAL (500).
package api
