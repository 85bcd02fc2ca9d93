package settings

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docvault/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to load settings", "error", err)
		middleware.WriteError(r.Context(), w, "INTERNAL_ERROR", "failed to load settings", http.StatusInternalServerError)
		return
	}
	writeView(w, s)
}

// UpdateSettings applies a partial update and answers with the stored result.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var p Patch
	if err := dec.Decode(&p); err != nil {
		middleware.WriteError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	s, err := h.svc.Apply(r.Context(), p)
	if err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			middleware.WriteError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(r.Context(), "failed to update settings", "error", err)
		middleware.WriteError(r.Context(), w, "INTERNAL_ERROR", "failed to update settings", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "settings updated", "search_threshold", s.SearchThreshold, "search_top_k", s.SearchTopK)
	writeView(w, s)
}

func writeView(w http.ResponseWriter, s *Settings) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]View{"data": s.View()}); err != nil {
		slog.Error("failed to encode settings", "error", err)
	}
}
