package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docvault/internal/config"
)

// RetryPublishTimeout bounds how long a retry waits on the broker.
const RetryPublishTimeout = 5 * time.Second

var (
	ErrInvalidPayload = errors.New("stored payload is not valid json")
	// ErrPublish means the broker did not accept the retried task in time.
	ErrPublish = errors.New("requeue failed")
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo    Repository
	pub     EventPublisher
	logger  *slog.Logger
	timeout time.Duration
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger, timeout: RetryPublishTimeout}
}

func (s *Service) List(ctx context.Context, tenantID string) ([]Job, error) {
	return s.repo.List(ctx, tenantID)
}

// Retry republishes the stored task and drops the failed job once the
// broker accepted it.
func (s *Service) Retry(ctx context.Context, tenantID, id string) error {
	job, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !json.Valid(job.Payload) {
		return fmt.Errorf("%w: job %s", ErrInvalidPayload, id)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicIngestTask, job.Payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPublish, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublish, ctx.Err())
	}

	s.logger.InfoContext(ctx, "failed job requeued", "job_id", id, "tenant_id", tenantID, "source_id", job.SourceID)
	return s.repo.Delete(ctx, tenantID, id)
}

func (s *Service) Count(ctx context.Context, tenantID string) (int, error) {
	return s.repo.Count(ctx, tenantID)
}
