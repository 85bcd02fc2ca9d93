package vector_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"docvault/internal/passage"
	"docvault/internal/vector"
)

type MockBackend struct{ mock.Mock }

func (m *MockBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) CreateCollection(ctx context.Context, spec vector.IndexSpec) error {
	return m.Called(ctx, spec).Error(0)
}

func (m *MockBackend) ListIndexes(ctx context.Context, collection string) ([]string, error) {
	args := m.Called(ctx, collection)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBackend) CreateSimilarityIndex(ctx context.Context, spec vector.IndexSpec) error {
	return m.Called(ctx, spec).Error(0)
}

func (m *MockBackend) IndexReady(ctx context.Context, spec vector.IndexSpec) (bool, error) {
	args := m.Called(ctx, spec)
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) Upsert(ctx context.Context, collection string, passages []passage.Passage) error {
	return m.Called(ctx, collection, passages).Error(0)
}

func (m *MockBackend) SimilaritySearch(ctx context.Context, collection string, vec []float32, filter vector.Filter, limit int) ([]vector.Hit, error) {
	args := m.Called(ctx, collection, vec, filter, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Hit), args.Error(1)
}

func (m *MockBackend) BulkDelete(ctx context.Context, collection string, filter vector.Filter) (int, error) {
	args := m.Called(ctx, collection, filter)
	return args.Int(0), args.Error(1)
}

func (m *MockBackend) Count(ctx context.Context, collection string, filter vector.Filter) (int, error) {
	args := m.Called(ctx, collection, filter)
	return args.Int(0), args.Error(1)
}

func (m *MockBackend) PreFilters() bool {
	return m.Called().Bool(0)
}

// MigratingBackend also implements vector.SchemaMigrator.
type MigratingBackend struct{ MockBackend }

func (m *MigratingBackend) MigrateSchema(ctx context.Context, spec vector.IndexSpec) error {
	return m.Called(ctx, spec).Error(0)
}

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}
