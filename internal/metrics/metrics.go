// Package metrics — Prometheus метрики dtq.
//
// Каждый процесс создаёт свой *Metrics на своём Registerer. Методы
// безопасны для nil-получателя: компоненты, собранные без метрик
// (например, в тестах), просто ничего не пишут.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/dtq/internal/domain"
	"github.com/shaiso/dtq/internal/mq"
)

const namespace = "dtq"

// Metrics — набор коллекторов.
type Metrics struct {
	submitted       prometheus.Counter
	completed       prometheus.Counter
	failed          *prometheus.CounterVec
	retried         prometheus.Counter
	queueDepth      prometheus.Gauge
	taskDuration    prometheus.Histogram
	queueWait       prometheus.Histogram
	heartbeatErrors prometheus.Counter
	sweeps          *prometheus.CounterVec
}

// New регистрирует коллекторы в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks completed",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Tasks moved to failed, by failure origin",
		}, []string{"origin"}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Tasks requeued by the watchdog",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue length",
		}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task callback execution time",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_wait_seconds",
			Help:      "Time between enqueue and dequeue",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		heartbeatErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_errors_total",
			Help:      "Failed liveness token renewals",
		}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_sweeps_total",
			Help:      "Watchdog sweeps, by result",
		}, []string{"result"}),
	}
}

// TaskSubmitted учитывает принятую task.
func (m *Metrics) TaskSubmitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// TaskCompleted учитывает task, перешедшую в done.
func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

// TaskFailed учитывает task, перешедшую в failed.
func (m *Metrics) TaskFailed(origin domain.FailureOrigin) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(string(origin)).Inc()
}

// TaskRetried учитывает requeue watchdog'ом.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.retried.Inc()
}

// SetQueueDepth выставляет глубину очереди.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveTaskDuration записывает время выполнения callback'а.
func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.Observe(d.Seconds())
}

// ObserveQueueWait записывает время ожидания в очереди.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

// HeartbeatError учитывает неудачное продление liveness token'а.
func (m *Metrics) HeartbeatError() {
	if m == nil {
		return
	}
	m.heartbeatErrors.Inc()
}

// Sweep учитывает цикл watchdog'а: "ok" или "aborted".
func (m *Metrics) Sweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

// HandleEvent обновляет счётчики по событию исхода task от worker'а.
// Подходит как mq.EventHandler для очереди dtq.outcomes.
//
// Отказы с origin=infrastructure пропускаются: их считает процесс
// watchdog'а в момент перехода.
func (m *Metrics) HandleEvent(_ context.Context, msgType mq.MessageType, ev *mq.TaskEvent) error {
	switch msgType {
	case mq.MessageTypeCompleted:
		m.TaskCompleted()
	case mq.MessageTypeFailed:
		origin := ev.Origin
		if origin == domain.OriginInfrastructure {
			return nil
		}
		if origin == "" {
			origin = domain.OriginApplication
		}
		m.TaskFailed(origin)
	}
	return nil
}

// DepthFunc возвращает текущую глубину очереди.
type DepthFunc func(ctx context.Context) (int64, error)

// Handler отдаёт метрики из gatherer, перед этим обновляя queue_depth.
//
// Если хранилище недоступно, gauge сохраняет последнее значение,
// а scrape всё равно отвечает.
func Handler(m *Metrics, gatherer prometheus.Gatherer, depth DepthFunc, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	exposition := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if depth != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			n, err := depth(ctx)
			cancel()
			if err != nil {
				logger.Warn("queue depth sample skipped", "error", err)
			} else {
				m.SetQueueDepth(n)
			}
		}
		exposition.ServeHTTP(w, r)
	})
}
