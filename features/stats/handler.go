package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"docvault/internal/middleware"
	"docvault/internal/passage"
)

// Counter reports how many rows a tenant owns in one store.
type Counter interface {
	Count(ctx context.Context, tenantID string) (int, error)
}

type Handler struct {
	sources  Counter
	passages Counter
	jobs     Counter
}

func NewHandler(sources, passages, jobs Counter) *Handler {
	return &Handler{sources: sources, passages: passages, jobs: jobs}
}

type StatsResponse struct {
	Sources    int `json:"sources"`
	Passages   int `json:"passages"`
	FailedJobs int `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	var resp StatsResponse
	counts := []struct {
		what string
		c    Counter
		dst  *int
	}{
		{"sources", h.sources, &resp.Sources},
		{"passages", h.passages, &resp.Passages},
		{"failed jobs", h.jobs, &resp.FailedJobs},
	}
	for _, c := range counts {
		n, err := c.c.Count(ctx, tenant)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count "+c.what, "error", err)
			code, status := middleware.ErrorStatus(err)
			middleware.WriteError(ctx, w, code, "failed to count "+c.what, status)
			return
		}
		*c.dst = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
