package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/telemetry"
)

const (
	// maxBodyBytes — предел тела POST /tasks.
	maxBodyBytes = 1 << 20

	// maxTaskIDLen — предел длины task_id от клиента.
	maxTaskIDLen = 256
)

// SubmitTask обрабатывает POST /tasks.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.FromContext(ctx)

	var req SubmitTaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			rejectRequest(w, "request body is empty")
			return
		}
		rejectRequest(w, "invalid JSON: "+err.Error())
		return
	}

	if len(req.Payload) == 0 {
		rejectRequest(w, "payload is required")
		return
	}
	if len(req.TaskID) > maxTaskIDLen || strings.TrimSpace(req.TaskID) != req.TaskID {
		rejectRequest(w, "task_id must be at most 256 characters without surrounding whitespace")
		return
	}

	id := req.TaskID
	if id == "" {
		id = h.newID()
	}

	task, err := h.tasks.Create(ctx, id, req.Payload)
	if respondStoreError(w, logger, err, id) {
		return
	}
	h.metrics.TaskSubmitted()
	h.refreshDepth(r)

	logger.Info("task submitted", "task_id", task.ID)

	if h.events != nil {
		ev := &mq.TaskEvent{TaskID: task.ID, Status: task.Status}
		if err := h.events.PublishTaskEvent(ctx, ev); err != nil {
			logger.Warn("failed to publish task event", "task_id", task.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, SubmitTaskResponse{TaskID: task.ID, Status: task.Status})
}

// GetTask обрабатывает GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.FromContext(ctx)

	id := r.PathValue("id")
	task, err := h.tasks.Get(ctx, id)
	if respondStoreError(w, logger, err, id) {
		return
	}

	writeJSON(w, http.StatusOK, TaskFromDomain(task))
}

// Health обрабатывает GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeFailure(w, FailureDetail{Code: CodeStoreUnavailable, Message: "store unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// refreshDepth обновляет gauge глубины очереди. Ошибка не влияет на ответ.
func (h *Handler) refreshDepth(r *http.Request) {
	if h.metrics == nil || h.queue == nil {
		return
	}
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		h.logger.Debug("queue depth refresh skipped", "error", err)
		return
	}
	h.metrics.SetQueueDepth(depth)
}
