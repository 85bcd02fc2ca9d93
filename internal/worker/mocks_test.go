package worker_test

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"docvault/features/job"
	"docvault/internal/ingest"
)

type MockIngester struct{ mock.Mock }

func (m *MockIngester) Ingest(ctx context.Context, a ingest.Artifact) (*ingest.Result, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.Result), args.Error(1)
}

type MockJobRepo struct {
	mock.Mock
	mu    sync.Mutex
	saved []*job.Job
}

func (m *MockJobRepo) Save(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	m.saved = append(m.saved, j)
	m.mu.Unlock()
	return m.Called(ctx, j).Error(0)
}

func (m *MockJobRepo) Saved() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*job.Job(nil), m.saved...)
}
