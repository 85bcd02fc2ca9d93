package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docvault/internal/middleware"
	"docvault/internal/passage"
	"docvault/internal/retrieval"
)

// MaxLimit caps how many passages one request may ask for.
const MaxLimit = 100

type Retriever interface {
	Retrieve(ctx context.Context, query, tenantID string, opts retrieval.Options) ([]passage.Scored, error)
}

type Handler struct {
	retriever Retriever
}

func NewHandler(r Retriever) *Handler {
	return &Handler{retriever: r}
}

type Request struct {
	Query     string   `json:"query"`
	Limit     *int     `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Semantic  *bool    `json:"semantic,omitempty"`
}

func (r Request) validate() error {
	if r.Query == "" {
		return errors.New("query is required")
	}
	if r.Limit != nil && (*r.Limit < 1 || *r.Limit > MaxLimit) {
		return errors.New("limit must be between 1 and 100")
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 1) {
		return errors.New("threshold must be between 0.0 and 1.0")
	}
	return nil
}

type Result struct {
	SourceID          string                   `json:"sourceId"`
	SourceKind        passage.SourceKind       `json:"sourceKind"`
	SequenceIndex     int                      `json:"sequenceIndex"`
	Text              string                   `json:"text"`
	Score             float64                  `json:"score"`
	Similarity        float64                  `json:"similarity"`
	ExtractionMethod  passage.ExtractionMethod `json:"extractionMethod,omitempty"`
	OpticalConfidence *float64                 `json:"opticalConfidence,omitempty"`
	URL               string                   `json:"url,omitempty"`
	Title             string                   `json:"title,omitempty"`
}

func toResult(s passage.Scored) Result {
	res := Result{
		SourceID:          s.Passage.SourceID,
		SourceKind:        s.Passage.SourceKind,
		SequenceIndex:     s.Passage.SequenceIndex,
		Text:              s.Passage.Text,
		Score:             s.Score,
		Similarity:        s.Similarity,
		ExtractionMethod:  s.Passage.ExtractionMethod,
		OpticalConfidence: s.Passage.OpticalConfidence,
	}
	if s.Passage.Web != nil {
		res.URL = s.Passage.Web.URL
		res.Title = s.Passage.Web.Title
	}
	return res
}

// Search answers a query against the caller's tenant. No match is an empty
// list, not an error.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	var req Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", "invalid search request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	scored, err := h.retriever.Retrieve(ctx, req.Query, tenant, retrieval.Options{
		Limit:     req.Limit,
		Threshold: req.Threshold,
		Semantic:  req.Semantic,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrEmptyQuery) {
			middleware.WriteError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		middleware.WriteDomainError(ctx, w, err)
		return
	}

	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		results = append(results, toResult(s))
	}
	slog.InfoContext(ctx, "search completed", "result_count", len(results))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
