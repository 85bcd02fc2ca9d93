package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docvault/internal/passage"
)

// WriteError writes the JSON error envelope shared by every endpoint.
func WriteError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}

// ErrorStatus maps the domain failures onto an error code and HTTP status.
func ErrorStatus(err error) (string, int) {
	switch {
	case errors.Is(err, passage.ErrMissingTenant):
		return "MISSING_TENANT", http.StatusBadRequest
	case errors.Is(err, passage.ErrEmptyContent):
		return "EMPTY_CONTENT", http.StatusUnprocessableEntity
	case errors.Is(err, passage.ErrNoExtractableContent):
		return "NO_EXTRACTABLE_CONTENT", http.StatusUnprocessableEntity
	case errors.Is(err, passage.ErrExtractionFailed):
		return "EXTRACTION_FAILED", http.StatusUnprocessableEntity
	case errors.Is(err, passage.ErrFetch):
		return "FETCH_ERROR", http.StatusBadGateway
	case errors.Is(err, passage.ErrEmbeddingFailed):
		return "EMBEDDING_FAILED", http.StatusServiceUnavailable
	case errors.Is(err, passage.ErrIndexTimeout):
		return "INDEX_TIMEOUT", http.StatusServiceUnavailable
	case errors.Is(err, passage.ErrIndexUnavailable):
		return "INDEX_UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}

// WriteDomainError logs err and writes it with the mapped status.
func WriteDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	code, status := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err, "code", code)
	} else {
		slog.WarnContext(ctx, "request rejected", "error", err, "code", code)
	}
	WriteError(ctx, w, code, err.Error(), status)
}
