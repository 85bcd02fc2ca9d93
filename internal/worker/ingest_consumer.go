package worker

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"docvault/features/job"
	"docvault/internal/ingest"
	"docvault/internal/middleware"
	"docvault/internal/passage"
)

const (
	HandlerName    = "ingest-worker"
	DefaultTimeout = 10 * time.Minute
)

// IngestConsumer runs queued ingestion tasks. Every message is acked: bad
// payloads are dropped and failed ingestions are parked as failed jobs.
type IngestConsumer struct {
	ingester Ingester
	failures FailureRecorder
	readFile FileReader
	remove   func(path string) error
	timeout  time.Duration
	logger   *slog.Logger
}

func NewIngestConsumer(i Ingester, failures FailureRecorder, timeout time.Duration, logger *slog.Logger) *IngestConsumer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestConsumer{
		ingester: i,
		failures: failures,
		readFile: func(path string) ([]byte, error) { return os.ReadFile(filepath.Clean(path)) }, // #nosec G304 -- path is written by the upload handler
		remove:   os.Remove,
		timeout:  timeout,
		logger:   logger,
	}
}

// WithFileReader swaps how staged uploads are read.
func (c *IngestConsumer) WithFileReader(r FileReader) *IngestConsumer {
	c.readFile = r
	return c
}

// WithFileRemover swaps how staged uploads are cleaned up after ingestion.
func (c *IngestConsumer) WithFileRemover(rm func(path string) error) *IngestConsumer {
	c.remove = rm
	return c
}

func (c *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	task, err := DecodeTask(m.Body)
	if err != nil {
		// Poison pill: retrying cannot fix the payload.
		c.logger.Error("dropping malformed ingest task", "error", err, "message_id", string(m.ID[:]))
		return nil
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	ctx = middleware.WithTenant(ctx, task.TenantID)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.InfoContext(ctx, "received ingest task", "source_id", task.SourceID, "kind", task.Kind, "attempts", m.Attempts)

	if err := c.run(ctx, task); err != nil {
		c.logger.ErrorContext(ctx, "ingest task failed", "source_id", task.SourceID, "error", err)
		c.park(ctx, task, m.Body, err)
	}
	return nil
}

func (c *IngestConsumer) run(ctx context.Context, task *IngestTask) error {
	kind, _ := passage.ParseSourceKind(task.Kind)
	art := ingest.Artifact{
		TenantID:    task.TenantID,
		SourceID:    task.SourceID,
		Kind:        kind,
		ContentType: task.ContentType,
		URL:         task.URL,
	}
	if kind == passage.SourceKindUpload {
		data, err := c.readFile(task.Path)
		if err != nil {
			return err
		}
		art.Data = data
	}

	res, err := c.ingester.Ingest(ctx, art)
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "ingest task completed", "source_id", task.SourceID, "chunks", res.Chunks)

	// Failed uploads keep their staged file so a retried job can read it again.
	if kind == passage.SourceKindUpload {
		if err := c.remove(task.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.WarnContext(ctx, "failed to remove staged upload", "path", task.Path, "error", err)
		}
	}
	return nil
}

func (c *IngestConsumer) park(ctx context.Context, task *IngestTask, body []byte, cause error) {
	failed := &job.Job{
		TenantID: task.TenantID,
		SourceID: task.SourceID,
		Handler:  HandlerName,
		Payload:  body,
		Error:    cause.Error(),
	}
	// A fresh context so an expired task deadline does not lose the record.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.failures.Save(saveCtx, failed); err != nil {
		c.logger.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	c.logger.InfoContext(ctx, "saved failed job for retry", "job_id", failed.ID)
}
