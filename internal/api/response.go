package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/dtq/internal/repo"
)

// Code — машинный код ошибки. dtq CLI различает ответы по нему.
type Code string

const (
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// httpStatus — HTTP-статус, которым отдаётся код.
func (c Code) httpStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeTaskNotFound:
		return http.StatusNotFound
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Failure — тело ответа с ошибкой.
type Failure struct {
	Error FailureDetail `json:"error"`
}

// FailureDetail — код, текст и, если известна, task.
type FailureDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, d FailureDetail) {
	writeJSON(w, d.Code.httpStatus(), Failure{Error: d})
}

func rejectRequest(w http.ResponseWriter, message string) {
	writeFailure(w, FailureDetail{Code: CodeInvalidRequest, Message: message})
}

func taskNotFound(w http.ResponseWriter, taskID string) {
	writeFailure(w, FailureDetail{Code: CodeTaskNotFound, Message: "task not found", TaskID: taskID})
}

func storeUnavailable(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Warn("store unavailable", "error", err)
	writeFailure(w, FailureDetail{Code: CodeStoreUnavailable, Message: "coordination store unavailable"})
}

func internalFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	writeFailure(w, FailureDetail{Code: CodeInternal, Message: "internal server error"})
}

// respondStoreError отвечает по ошибке TaskRepo. false — ошибки нет,
// ответ не записан.
func respondStoreError(w http.ResponseWriter, logger *slog.Logger, err error, taskID string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repo.ErrNotFound):
		taskNotFound(w, taskID)
	case errors.Is(err, repo.ErrUnavailable):
		storeUnavailable(w, logger, err)
	default:
		internalFailure(w, logger, err)
	}
	return true
}
