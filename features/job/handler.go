package job

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docvault/internal/middleware"
	"docvault/internal/passage"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	jobs, err := h.service.List(ctx, tenant)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
		middleware.WriteError(ctx, w, "INTERNAL_ERROR", "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}
	id := r.PathValue("id")

	if err := h.service.Retry(ctx, tenant, id); err != nil {
		slog.ErrorContext(ctx, "failed to retry job", "id", id, "error", err)
		switch {
		case errors.Is(err, ErrNotFound):
			middleware.WriteError(ctx, w, "NOT_FOUND", "job not found", http.StatusNotFound)
		case errors.Is(err, ErrInvalidPayload):
			middleware.WriteError(ctx, w, "INVALID_PAYLOAD", err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrPublish):
			middleware.WriteError(ctx, w, "QUEUE_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
		default:
			middleware.WriteError(ctx, w, "INTERNAL_ERROR", "failed to retry job", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"id": id, "status": "requeued"}}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
