// Package telemetry настраивает structured logging для сервисов dtq.
//
// Все процессы (dtq-api, dtq-worker, dtq-watchdog) пишут логи через slog
// в едином формате. Формат и уровень задаются LOG_FORMAT и LOG_LEVEL.
// Метрики живут в отдельном пакете metrics.
package telemetry
