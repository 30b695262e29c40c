package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shaiso/dtq/internal/domain"
	"github.com/shaiso/dtq/internal/mq"
)

func newTestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Counter Tests ---

func TestMetrics_Counters(t *testing.T) {
	m, _ := newTestMetrics()

	m.TaskSubmitted()
	m.TaskSubmitted()
	m.TaskCompleted()
	m.TaskRetried()
	m.TaskFailed(domain.OriginApplication)
	m.TaskFailed(domain.OriginInfrastructure)
	m.TaskFailed(domain.OriginInfrastructure)

	if got := testutil.ToFloat64(m.submitted); got != 2 {
		t.Errorf("expected submitted 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.completed); got != 1 {
		t.Errorf("expected completed 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.retried); got != 1 {
		t.Errorf("expected retried 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("infrastructure")); got != 2 {
		t.Errorf("expected infrastructure failures 2, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.TaskSubmitted()
	m.TaskCompleted()
	m.TaskFailed(domain.OriginApplication)
	m.SetQueueDepth(3)
	m.ObserveTaskDuration(0)
	m.HeartbeatError()
	m.Sweep("ok")
	if err := m.HandleEvent(context.Background(), mq.MessageTypeCompleted, &mq.TaskEvent{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMetrics_HandleEvent(t *testing.T) {
	m, _ := newTestMetrics()
	ctx := context.Background()

	m.HandleEvent(ctx, mq.MessageTypeCompleted, &mq.TaskEvent{TaskID: "a", Status: domain.TaskStatusDone})
	m.HandleEvent(ctx, mq.MessageTypeFailed, &mq.TaskEvent{TaskID: "b", Status: domain.TaskStatusFailed})
	m.HandleEvent(ctx, mq.MessageTypeSubmitted, &mq.TaskEvent{TaskID: "c", Status: domain.TaskStatusQueued})

	if got := testutil.ToFloat64(m.completed); got != 1 {
		t.Errorf("expected completed 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("application")); got != 1 {
		t.Errorf("expected application failures 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.submitted); got != 0 {
		t.Errorf("submitted must not be counted from events, got %v", got)
	}
}

func TestMetrics_HandleEventSkipsInfrastructureFailures(t *testing.T) {
	m, _ := newTestMetrics()
	ctx := context.Background()

	// Watchdog сам считает отказ и публикует событие, которое тот же
	// процесс получает из dtq.outcomes.
	m.TaskFailed(domain.OriginInfrastructure)
	m.HandleEvent(ctx, mq.MessageTypeFailed, &mq.TaskEvent{
		TaskID: "a",
		Status: domain.TaskStatusFailed,
		Origin: domain.OriginInfrastructure,
		Error:  domain.MaxRetriesExceeded,
	})

	if got := testutil.ToFloat64(m.failed.WithLabelValues("infrastructure")); got != 1 {
		t.Errorf("expected infrastructure failures 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("application")); got != 0 {
		t.Errorf("expected no application failures, got %v", got)
	}
}

// --- Handler Tests ---

func TestHandler_SamplesQueueDepth(t *testing.T) {
	m, reg := newTestMetrics()
	h := Handler(m, reg, func(context.Context) (int64, error) { return 7, nil }, quiet)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dtq_queue_depth 7") {
		t.Errorf("expected queue depth in exposition, got:\n%s", rec.Body.String())
	}
}

func TestHandler_DepthErrorKeepsLastValue(t *testing.T) {
	m, reg := newTestMetrics()
	m.SetQueueDepth(4)
	h := Handler(m, reg, func(context.Context) (int64, error) { return 0, errors.New("down") }, quiet)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Errorf("expected depth to stay 4, got %v", got)
	}
}
