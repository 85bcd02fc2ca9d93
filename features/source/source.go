package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"docvault/internal/config"
	"docvault/internal/extract"
	"docvault/internal/ingest"
	"docvault/internal/middleware"
	"docvault/internal/passage"
	"docvault/internal/worker"
)

var ErrInvalidURL = errors.New("url must be absolute http or https")

type Repository interface {
	Upsert(ctx context.Context, rec *passage.SourceRecord) error
	Get(ctx context.Context, tenantID, sourceID string) (*passage.SourceRecord, error)
	List(ctx context.Context, tenantID string) ([]passage.SourceRecord, error)
	Count(ctx context.Context, tenantID string) (int, error)
	Delete(ctx context.Context, tenantID, sourceID string) (int, error)
	DeleteMany(ctx context.Context, tenantID string, sourceIDs []string) (int, error)
	DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error)
	DeleteTenant(ctx context.Context, tenantID string) (int, error)
}

// Ingester is the ingestion service as the registry endpoints use it.
type Ingester interface {
	Ingest(ctx context.Context, a ingest.Artifact) (*ingest.Result, error)
	IngestBatch(ctx context.Context, artifacts []ingest.Artifact) *ingest.BatchReport
	DeleteSource(ctx context.Context, tenantID, sourceID string) (int, error)
	DeleteSources(ctx context.Context, tenantID string, sourceIDs []string) (int, error)
	DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error)
	DeleteTenant(ctx context.Context, tenantID string) (int, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// File is one uploaded file.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Service struct {
	repo      Repository
	ingester  Ingester
	pub       EventPublisher
	uploadDir string
	logger    *slog.Logger
}

func NewService(repo Repository, ingester Ingester, pub EventPublisher, uploadDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if uploadDir == "" {
		uploadDir = "./uploads"
	}
	return &Service{repo: repo, ingester: ingester, pub: pub, uploadDir: uploadDir, logger: logger}
}

func uploadArtifact(tenantID string, f File) ingest.Artifact {
	return ingest.Artifact{
		TenantID:    tenantID,
		SourceID:    filepath.Base(f.Name),
		Kind:        passage.SourceKindUpload,
		ContentType: f.ContentType,
		Data:        f.Data,
	}
}

// Upload ingests every file and reports each outcome.
func (s *Service) Upload(ctx context.Context, tenantID string, files []File) *ingest.BatchReport {
	artifacts := make([]ingest.Artifact, len(files))
	for i, f := range files {
		artifacts[i] = uploadArtifact(tenantID, f)
	}
	return s.ingester.IngestBatch(ctx, artifacts)
}

// QueueUpload stages a file on disk and publishes a task for the worker.
func (s *Service) QueueUpload(ctx context.Context, tenantID string, f File) (*worker.IngestTask, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, passage.ErrMissingTenant
	}
	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	name := filepath.Base(f.Name)
	path := filepath.Clean(filepath.Join(s.uploadDir, fmt.Sprintf("%s_%s", uuid.New().String(), name)))
	if err := os.WriteFile(path, f.Data, 0o600); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	task := &worker.IngestTask{
		TenantID:      tenantID,
		SourceID:      name,
		Kind:          string(passage.SourceKindUpload),
		Path:          path,
		ContentType:   f.ContentType,
		CorrelationID: correlationID(ctx),
	}
	if err := s.publish(ctx, task); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.WarnContext(ctx, "failed to clean up staged upload", "error", rmErr, "path", path)
		}
		return nil, err
	}
	return task, nil
}

func validateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

// IngestWeb fetches and ingests a page right away.
func (s *Service) IngestWeb(ctx context.Context, tenantID, rawURL string) (*ingest.Result, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	return s.ingester.Ingest(ctx, ingest.Artifact{
		TenantID: tenantID,
		SourceID: u,
		Kind:     passage.SourceKindWeb,
		URL:      u,
	})
}

// QueueWeb publishes a web ingestion task for the worker.
func (s *Service) QueueWeb(ctx context.Context, tenantID, rawURL string) (*worker.IngestTask, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, passage.ErrMissingTenant
	}
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	task := &worker.IngestTask{
		TenantID:      tenantID,
		SourceID:      u,
		Kind:          string(passage.SourceKindWeb),
		URL:           u,
		CorrelationID: correlationID(ctx),
	}
	if err := s.publish(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func correlationID(ctx context.Context) string {
	id, _ := middleware.CorrelationIDFromContext(ctx)
	return id
}

func (s *Service) publish(ctx context.Context, task *worker.IngestTask) error {
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	if err := s.pub.Publish(config.TopicIngestTask, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish ingest task", "error", err, "source_id", task.SourceID)
		return fmt.Errorf("publish ingest task: %w", err)
	}
	s.logger.InfoContext(ctx, "published ingest task", "source_id", task.SourceID, "kind", task.Kind)
	return nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]passage.SourceRecord, error) {
	return s.repo.List(ctx, tenantID)
}

// Delete removes one or more sources and returns the passages removed.
func (s *Service) Delete(ctx context.Context, tenantID string, sourceIDs []string) (int, error) {
	if len(sourceIDs) == 1 {
		return s.ingester.DeleteSource(ctx, tenantID, sourceIDs[0])
	}
	return s.ingester.DeleteSources(ctx, tenantID, sourceIDs)
}

func (s *Service) DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error) {
	return s.ingester.DeleteByKind(ctx, tenantID, kind)
}

func (s *Service) DeleteAll(ctx context.Context, tenantID string) (int, error) {
	return s.ingester.DeleteTenant(ctx, tenantID)
}

// SupportedUpload reports whether a file can be extracted at all.
func SupportedUpload(name, contentType string) bool {
	format, err := extract.DetectFormat(name, contentType)
	return err == nil && format != extract.FormatHTML
}
