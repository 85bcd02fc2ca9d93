package worker

import (
	"context"

	"docvault/features/job"
	"docvault/internal/ingest"
)

// Ingester runs one ingestion end to end.
type Ingester interface {
	Ingest(ctx context.Context, a ingest.Artifact) (*ingest.Result, error)
}

// FailureRecorder stores tasks that could not be ingested.
type FailureRecorder interface {
	Save(ctx context.Context, j *job.Job) error
}

// FileReader loads the staged bytes of an upload task.
type FileReader func(path string) ([]byte, error)
