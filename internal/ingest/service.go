package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"docvault/internal/extract"
	"docvault/internal/passage"
)

const DefaultConcurrency = 4

// Artifact is one source handed over for ingestion.
type Artifact struct {
	TenantID    string
	SourceID    string
	Kind        passage.SourceKind
	ContentType string
	Data        []byte
	// URL is fetched when Data is empty. Only web sources use it.
	URL string
}

type Extractor interface {
	Extract(ctx context.Context, a extract.Artifact) (*extract.Result, error)
	IsScanned(ctx context.Context, data []byte) (bool, error)
	OCREnabled() bool
}

type Chunker interface {
	Split(text, tenantID, sourceID string, kind passage.SourceKind) []passage.Passage
}

// Index is the write side of the index manager.
type Index interface {
	Replace(ctx context.Context, tenantID, sourceID string, passages []passage.Passage) (int, error)
	DeleteSource(ctx context.Context, tenantID, sourceID string) (int, error)
	DeleteSources(ctx context.Context, tenantID string, sourceIDs []string) (int, error)
	DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error)
	DeleteTenant(ctx context.Context, tenantID string) (int, error)
}

// Registry keeps the per-tenant ledger of ingested sources.
type Registry interface {
	Upsert(ctx context.Context, rec *passage.SourceRecord) error
	Delete(ctx context.Context, tenantID, sourceID string) (int, error)
	DeleteMany(ctx context.Context, tenantID string, sourceIDs []string) (int, error)
	DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error)
	DeleteTenant(ctx context.Context, tenantID string) (int, error)
}

// Result describes one successful ingestion.
type Result struct {
	SourceID          string                   `json:"source_id"`
	SourceKind        passage.SourceKind       `json:"source_kind"`
	Chunks            int                      `json:"chunks"`
	StaleRemoved      int                      `json:"stale_removed"`
	ExtractionMethod  passage.ExtractionMethod `json:"extraction_method,omitempty"`
	OpticalConfidence *float64                 `json:"optical_confidence,omitempty"`
}

// ItemReport is the outcome of one artifact in a batch. Exactly one of
// Result and Err is set.
type ItemReport struct {
	SourceID string  `json:"source_id"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Err      error   `json:"-"`
}

type BatchReport struct {
	Items     []ItemReport `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

type Service struct {
	extractor   Extractor
	chunker     Chunker
	index       Index
	registry    Registry
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(x Extractor, c Chunker, idx Index, reg Registry, concurrency int, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		extractor:   x,
		chunker:     c,
		index:       idx,
		registry:    reg,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

func validate(a Artifact) error {
	if strings.TrimSpace(a.TenantID) == "" {
		return passage.ErrMissingTenant
	}
	if strings.TrimSpace(a.SourceID) == "" {
		return errors.New("source id is required")
	}
	switch a.Kind {
	case passage.SourceKindUpload:
		if len(a.Data) == 0 {
			return fmt.Errorf("%w: upload %q has no bytes", passage.ErrEmptyContent, a.SourceID)
		}
	case passage.SourceKindWeb:
		if a.URL == "" && len(a.Data) == 0 {
			return fmt.Errorf("web source %q needs a url", a.SourceID)
		}
	default:
		return fmt.Errorf("unknown source kind %q", a.Kind)
	}
	return nil
}

// Ingest extracts, chunks and indexes one artifact, then records it in the
// registry. The registry is only touched after the index write succeeded.
func (s *Service) Ingest(ctx context.Context, a Artifact) (*Result, error) {
	if err := validate(a); err != nil {
		return nil, err
	}
	start := s.now()

	res, err := s.extractor.Extract(ctx, extract.Artifact{
		Name:        a.SourceID,
		ContentType: a.ContentType,
		Data:        a.Data,
		URL:         a.URL,
	})
	if err != nil {
		return nil, err
	}

	passages := s.chunker.Split(res.Text, a.TenantID, a.SourceID, a.Kind)
	if len(passages) == 0 {
		return nil, fmt.Errorf("%w: %q produced no passages", passage.ErrEmptyContent, a.SourceID)
	}
	decorate(passages, a, res)

	stale, err := s.index.Replace(ctx, a.TenantID, a.SourceID, passages)
	if err != nil {
		return nil, err
	}

	rec := &passage.SourceRecord{
		TenantID:       a.TenantID,
		SourceID:       a.SourceID,
		SourceKind:     a.Kind,
		ChunkCount:     len(passages),
		LastIngestedAt: s.now().UTC(),
	}
	if err := s.registry.Upsert(ctx, rec); err != nil {
		// Passages are indexed; the ledger catches up on the next ingestion.
		return nil, fmt.Errorf("registry upsert for %q: %w", a.SourceID, err)
	}

	s.logger.InfoContext(ctx, "source ingested",
		"tenant_id", a.TenantID,
		"source_id", a.SourceID,
		"kind", a.Kind,
		"chunks", len(passages),
		"stale_removed", stale,
		"method", res.Method,
		"duration", s.now().Sub(start),
	)
	return &Result{
		SourceID:          a.SourceID,
		SourceKind:        a.Kind,
		Chunks:            len(passages),
		StaleRemoved:      stale,
		ExtractionMethod:  res.Method,
		OpticalConfidence: res.Confidence,
	}, nil
}

// decorate attaches the per-kind metadata and, for PDFs, how the text was
// obtained.
func decorate(passages []passage.Passage, a Artifact, res *extract.Result) {
	for i := range passages {
		p := &passages[i]
		switch a.Kind {
		case passage.SourceKindUpload:
			p.Upload = &passage.UploadMetadata{
				Filename:    a.SourceID,
				ContentType: a.ContentType,
				SizeBytes:   int64(len(a.Data)),
			}
		case passage.SourceKindWeb:
			url := a.URL
			if url == "" {
				url = a.SourceID
			}
			p.Web = &passage.WebMetadata{URL: url, Title: res.Title}
		}
		if res.Format == extract.FormatPDF {
			p.ExtractionMethod = res.Method
			p.OpticalConfidence = res.Confidence
		}
	}
}

// IngestBatch ingests every artifact with bounded concurrency. A failing item
// is reported and never stops the others.
func (s *Service) IngestBatch(ctx context.Context, artifacts []Artifact) *BatchReport {
	report := &BatchReport{Items: make([]ItemReport, len(artifacts))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, a := range artifacts {
		g.Go(func() error {
			item := ItemReport{SourceID: a.SourceID}
			res, err := s.ingestChecked(gctx, a)
			if err != nil {
				item.Err = err
				item.Error = err.Error()
				s.logger.WarnContext(gctx, "batch item failed", "tenant_id", a.TenantID, "source_id", a.SourceID, "error", err)
			} else {
				item.Result = res
			}
			report.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range report.Items {
		if item.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report
}

// ingestChecked skips image-only PDFs up front when optical extraction is
// off, since they cannot yield text.
func (s *Service) ingestChecked(ctx context.Context, a Artifact) (*Result, error) {
	if !s.extractor.OCREnabled() && len(a.Data) > 0 {
		if format, err := extract.DetectFormat(a.SourceID, a.ContentType); err == nil && format == extract.FormatPDF {
			scanned, err := s.extractor.IsScanned(ctx, a.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", passage.ErrExtractionFailed, err)
			}
			if scanned {
				return nil, fmt.Errorf("%w: %q looks scanned and optical extraction is disabled", passage.ErrNoExtractableContent, a.SourceID)
			}
		}
	}
	return s.Ingest(ctx, a)
}

// DeleteSource removes a source's passages and then its registry entry.
func (s *Service) DeleteSource(ctx context.Context, tenantID, sourceID string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, passage.ErrMissingTenant
	}
	n, err := s.index.DeleteSource(ctx, tenantID, sourceID)
	if err != nil {
		return 0, err
	}
	if _, err := s.registry.Delete(ctx, tenantID, sourceID); err != nil {
		return n, fmt.Errorf("registry delete: %w", err)
	}
	return n, nil
}

func (s *Service) DeleteSources(ctx context.Context, tenantID string, sourceIDs []string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, passage.ErrMissingTenant
	}
	if len(sourceIDs) == 0 {
		return 0, nil
	}
	n, err := s.index.DeleteSources(ctx, tenantID, sourceIDs)
	if err != nil {
		return 0, err
	}
	if _, err := s.registry.DeleteMany(ctx, tenantID, sourceIDs); err != nil {
		return n, fmt.Errorf("registry delete: %w", err)
	}
	return n, nil
}

func (s *Service) DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, passage.ErrMissingTenant
	}
	n, err := s.index.DeleteByKind(ctx, tenantID, kind)
	if err != nil {
		return 0, err
	}
	if _, err := s.registry.DeleteByKind(ctx, tenantID, kind); err != nil {
		return n, fmt.Errorf("registry delete: %w", err)
	}
	return n, nil
}

func (s *Service) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, passage.ErrMissingTenant
	}
	n, err := s.index.DeleteTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if _, err := s.registry.DeleteTenant(ctx, tenantID); err != nil {
		return n, fmt.Errorf("registry delete: %w", err)
	}
	s.logger.InfoContext(ctx, "tenant cleared", "tenant_id", tenantID, "passages", n)
	return n, nil
}
