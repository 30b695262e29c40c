package api

import (
	"net/http"
)

// RegisterRoutes регистрирует маршруты API.
//
// /metrics регистрирует вызывающий: обработчику нужен registry процесса.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(h.logger),
		Recovery(h.logger),
		Logging(h.logger),
	)

	mux.Handle("POST /tasks", chain(http.HandlerFunc(h.SubmitTask)))
	mux.Handle("GET /tasks/{id}", chain(http.HandlerFunc(h.GetTask)))

	mux.HandleFunc("GET /healthz", h.Health)
}
