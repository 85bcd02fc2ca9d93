package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"docvault/internal/middleware"
	"docvault/internal/passage"
	"docvault/internal/settings"
	"docvault/internal/vector"
)

var ErrEmptyQuery = errors.New("empty query")

const (
	DefaultThreshold = 0.7
	DefaultLimit     = 10
	// overFetchFactor widens the candidate pool when results are filtered
	// or re-ordered after the search.
	overFetchFactor = 3
)

// Index is the read side of the index manager.
type Index interface {
	Search(ctx context.Context, vec []float32, tenantID string, limit int) ([]vector.Hit, error)
	PreFilters() bool
}

// SettingsSource supplies the runtime search defaults.
type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Options override the configured defaults for one call.
type Options struct {
	Limit     *int
	Threshold *float64
	Semantic  *bool
}

type Service struct {
	embedder vector.Embedder
	index    Index
	settings SettingsSource
	qlog     *QueryLogger
	logger   *slog.Logger

	defaults settings.Settings
}

func NewService(e vector.Embedder, idx Index, set SettingsSource, qlog *QueryLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: e,
		index:    idx,
		settings: set,
		qlog:     qlog,
		logger:   logger,
		defaults: settings.Settings{SearchThreshold: DefaultThreshold, SearchTopK: DefaultLimit},
	}
}

// WithDefaults sets the values used when settings cannot be read.
func (s *Service) WithDefaults(threshold float64, limit int) *Service {
	s.defaults.SearchThreshold = threshold
	if limit > 0 {
		s.defaults.SearchTopK = limit
	}
	return s
}

type params struct {
	limit     int
	threshold float64
	semantic  bool
}

func (s *Service) resolve(ctx context.Context, opts Options) params {
	cfg := s.defaults
	if s.settings != nil {
		if stored, err := s.settings.Get(ctx); err == nil && stored != nil {
			cfg = *stored
		} else if err != nil {
			s.logger.WarnContext(ctx, "search settings unavailable, using defaults", "error", err)
		}
	}

	p := params{limit: cfg.SearchTopK, threshold: cfg.SearchThreshold, semantic: cfg.SemanticRerank}
	if opts.Limit != nil && *opts.Limit > 0 {
		p.limit = *opts.Limit
	}
	if opts.Threshold != nil {
		p.threshold = *opts.Threshold
	}
	if opts.Semantic != nil {
		p.semantic = *opts.Semantic
	}
	if p.limit <= 0 {
		p.limit = DefaultLimit
	}
	return p
}

// Retrieve returns the tenant's passages most similar to query, best first.
// An empty result with a nil error means nothing cleared the threshold.
func (s *Service) Retrieve(ctx context.Context, query, tenantID string, opts Options) (results []passage.Scored, err error) {
	start := time.Now()
	if strings.TrimSpace(tenantID) == "" {
		return nil, passage.ErrMissingTenant
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	p := s.resolve(ctx, opts)

	defer func() {
		if s.qlog == nil {
			return
		}
		entry := QueryLogEntry{
			Query:         query,
			TenantID:      tenantID,
			Limit:         p.limit,
			Threshold:     p.threshold,
			Semantic:      p.semantic,
			NumResults:    len(results),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.qlog.Log(entry)
	}()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, passage.ErrEmbeddingFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: query: %w", passage.ErrEmbeddingFailed, err)
	}

	fetch := p.limit
	if p.semantic || !s.index.PreFilters() {
		fetch = p.limit * overFetchFactor
	}

	hits, err := s.index.Search(ctx, vec, tenantID, fetch)
	if err != nil {
		if errors.Is(err, passage.ErrIndexUnavailable) || errors.Is(err, passage.ErrEmbeddingFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", passage.ErrIndexUnavailable, err)
	}

	results = make([]passage.Scored, 0, len(hits))
	foreign := 0
	for _, h := range hits {
		if h.Passage.TenantID != tenantID {
			foreign++
			continue
		}
		if h.Similarity < p.threshold {
			continue
		}
		score := h.Similarity
		if p.semantic {
			score = CombinedScore(h.Similarity, HeuristicScore(query, h.Passage))
		}
		results = append(results, passage.Scored{Passage: h.Passage, Score: score, Similarity: h.Similarity})
	}
	if foreign > 0 {
		s.logger.WarnContext(ctx, "discarded cross-tenant search hits", "tenant_id", tenantID, "count", foreign)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > p.limit {
		results = results[:p.limit]
	}
	return results, nil
}
