package api

import (
	"encoding/json"
	"time"

	"github.com/shaiso/dtq/internal/domain"
)

// SubmitTaskRequest — запрос на постановку task.
type SubmitTaskRequest struct {
	// Payload обязателен, но может быть null.
	Payload json.RawMessage `json:"payload"`

	// TaskID — опционально, иначе сервер генерирует id.
	TaskID string `json:"task_id,omitempty"`
}

// SubmitTaskResponse — ответ на постановку task.
type SubmitTaskResponse struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
}

// TaskResponse — проекция записи task.
//
// Отсутствующие result, error и worker отдаются как null.
type TaskResponse struct {
	TaskID    string            `json:"task_id"`
	Status    domain.TaskStatus `json:"status"`
	Result    json.RawMessage   `json:"result"`
	Error     *string           `json:"error"`
	Worker    *string           `json:"worker"`
	Retries   int               `json:"retries"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		TaskID:  t.ID,
		Status:  t.Status,
		Result:  t.Result,
		Error:   optional(t.Error),
		Worker:  optional(t.Worker),
		Retries: t.Retries,
	}
	if !t.UpdatedAt.IsZero() {
		updated := t.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
