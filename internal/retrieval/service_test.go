package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docvault/internal/middleware"
	"docvault/internal/passage"
	"docvault/internal/retrieval"
	"docvault/internal/settings"
	"docvault/internal/vector"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockIndex struct{ mock.Mock }

func (m *MockIndex) Search(ctx context.Context, vec []float32, tenantID string, limit int) ([]vector.Hit, error) {
	args := m.Called(ctx, vec, tenantID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Hit), args.Error(1)
}

func (m *MockIndex) PreFilters() bool { return m.Called().Bool(0) }

type MockSettings struct{ mock.Mock }

func (m *MockSettings) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

// memIndex is an exact cosine index over stored passages. With preFilter
// off it mimics a store that ranks globally and ignores the tenant.
type memIndex struct {
	passages  []passage.Passage
	preFilter bool
}

func (m *memIndex) PreFilters() bool { return m.preFilter }

func (m *memIndex) Search(ctx context.Context, vec []float32, tenantID string, limit int) ([]vector.Hit, error) {
	var hits []vector.Hit
	for _, p := range m.passages {
		if m.preFilter && p.TenantID != tenantID {
			continue
		}
		hits = append(hits, vector.Hit{Passage: p, Similarity: cosine(vec, p.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordEmbedder maps text onto fixed axes so similarities are predictable.
type keywordEmbedder map[string][]float32

func (k keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := k[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func ptr[T any](v T) *T { return &v }

func defaultSettings() *MockSettings {
	s := new(MockSettings)
	s.On("Get", mock.Anything).Return(&settings.Settings{SearchThreshold: 0.7, SearchTopK: 10}, nil)
	return s
}

func hit(tenant, text string, sim float64) vector.Hit {
	return vector.Hit{Passage: passage.Passage{TenantID: tenant, SourceID: "doc", Text: text}, Similarity: sim}
}

func TestService_Retrieve_Defaults(t *testing.T) {
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "refund").Return([]float32{1, 0}, nil)
	idx.On("PreFilters").Return(true)
	idx.On("Search", mock.Anything, []float32{1, 0}, "acme", 10).
		Return([]vector.Hit{hit("acme", "b", 0.72), hit("acme", "a", 0.91), hit("acme", "c", 0.65)}, nil)

	svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
	got, err := svc.Retrieve(context.Background(), "refund", "acme", retrieval.Options{})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Passage.Text)
	assert.Equal(t, 0.91, got[0].Score)
	assert.Equal(t, 0.91, got[0].Similarity)
	assert.Equal(t, "b", got[1].Passage.Text)
	idx.AssertExpectations(t)
}

func TestService_Retrieve_TenantIsolation(t *testing.T) {
	embedder := keywordEmbedder{
		"refund policy":                 {1, 0, 0},
		"Refunds within 30 days.":       {0.95, 0.05, 0},
		"Shipping takes a week.":        {0, 1, 0},
		"Tenant B shipping guidelines.": {0.1, 0.9, 0},
	}
	mk := func(tenant, txt string) passage.Passage {
		v, _ := embedder.Embed(context.Background(), txt)
		return passage.Passage{TenantID: tenant, SourceID: "doc", Text: txt, Vector: v}
	}
	corpus := []passage.Passage{
		mk("tenant-a", "Refunds within 30 days."),
		mk("tenant-a", "Shipping takes a week."),
		mk("tenant-b", "Tenant B shipping guidelines."),
	}

	for _, preFilter := range []bool{true, false} {
		idx := &memIndex{passages: corpus, preFilter: preFilter}
		svc := retrieval.NewService(embedder, idx, defaultSettings(), nil, nil)

		got, err := svc.Retrieve(context.Background(), "refund policy", "tenant-b", retrieval.Options{})
		require.NoError(t, err)
		assert.Empty(t, got, "preFilter=%v", preFilter)

		got, err = svc.Retrieve(context.Background(), "refund policy", "tenant-a", retrieval.Options{})
		require.NoError(t, err)
		require.Len(t, got, 1, "preFilter=%v", preFilter)
		assert.Equal(t, "tenant-a", got[0].Passage.TenantID)
	}
}

func TestService_Retrieve_ThresholdAboveBestMatch(t *testing.T) {
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
	idx.On("PreFilters").Return(true)
	idx.On("Search", mock.Anything, mock.Anything, "acme", 10).
		Return([]vector.Hit{hit("acme", "best", 0.75), hit("acme", "next", 0.6)}, nil)

	svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
	got, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{Threshold: ptr(0.9)})

	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestService_Retrieve_ThresholdMonotonic(t *testing.T) {
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
	idx.On("PreFilters").Return(false)
	idx.On("Search", mock.Anything, mock.Anything, "acme", mock.Anything).Return([]vector.Hit{
		hit("acme", "a", 0.95), hit("acme", "b", 0.81), hit("acme", "c", 0.8),
		hit("acme", "d", 0.55), hit("acme", "e", 0.2), hit("other", "f", 0.99),
	}, nil)

	svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
	prev := math.MaxInt
	for _, th := range []float64{0, 0.2, 0.5, 0.8, 0.81, 0.9, 0.95, 1} {
		for _, semantic := range []bool{false, true} {
			got, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{Threshold: ptr(th), Semantic: ptr(semantic)})
			require.NoError(t, err)
			for _, r := range got {
				assert.GreaterOrEqual(t, r.Similarity, th)
				assert.Equal(t, "acme", r.Passage.TenantID)
			}
			if !semantic {
				assert.LessOrEqual(t, len(got), prev, "threshold %v", th)
				prev = len(got)
			}
		}
	}
}

func TestService_Retrieve_SemanticRerank(t *testing.T) {
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "refund policy").Return([]float32{1}, nil)
	// Semantic ranking over-fetches three times the limit whatever the backend filters.
	idx.On("Search", mock.Anything, mock.Anything, "acme", 6).Return([]vector.Hit{
		hit("acme", "Shipping is free over fifty euros.", 0.80),
		hit("acme", "The refund policy allows returns.", 0.78),
		hit("acme", "Unrelated text.", 0.74),
	}, nil)

	svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
	got, err := svc.Retrieve(context.Background(), "refund policy", "acme", retrieval.Options{Limit: ptr(2), Semantic: ptr(true)})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "The refund policy allows returns.", got[0].Passage.Text)
	assert.InDelta(t, 0.7*0.78+0.3*0.8, got[0].Score, 1e-9)
	assert.Equal(t, 0.78, got[0].Similarity)
	assert.InDelta(t, 0.7*0.80, got[1].Score, 1e-9)
	idx.AssertExpectations(t)
	idx.AssertNotCalled(t, "PreFilters")
}

func TestService_Retrieve_OverFetchWithoutPreFilter(t *testing.T) {
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
	idx.On("PreFilters").Return(false)
	idx.On("Search", mock.Anything, mock.Anything, "acme", 12).Return([]vector.Hit{}, nil)

	svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
	_, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{Limit: ptr(4)})
	require.NoError(t, err)
	idx.AssertExpectations(t)
}

func TestService_Retrieve_Errors(t *testing.T) {
	t.Run("embedder failure", func(t *testing.T) {
		e, idx := new(MockEmbedder), new(MockIndex)
		e.On("Embed", mock.Anything, "q").Return(nil, errors.New("quota exceeded"))

		svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
		_, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{})

		assert.ErrorIs(t, err, passage.ErrEmbeddingFailed)
		idx.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("index failure", func(t *testing.T) {
		e, idx := new(MockEmbedder), new(MockIndex)
		e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
		idx.On("PreFilters").Return(true)
		idx.On("Search", mock.Anything, mock.Anything, "acme", 10).Return(nil, errors.New("connection refused"))

		svc := retrieval.NewService(e, idx, defaultSettings(), nil, nil)
		_, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{})
		assert.ErrorIs(t, err, passage.ErrIndexUnavailable)
	})

	t.Run("missing tenant", func(t *testing.T) {
		svc := retrieval.NewService(new(MockEmbedder), new(MockIndex), defaultSettings(), nil, nil)
		_, err := svc.Retrieve(context.Background(), "q", " ", retrieval.Options{})
		assert.ErrorIs(t, err, passage.ErrMissingTenant)
	})

	t.Run("empty query", func(t *testing.T) {
		svc := retrieval.NewService(new(MockEmbedder), new(MockIndex), defaultSettings(), nil, nil)
		_, err := svc.Retrieve(context.Background(), "  ", "acme", retrieval.Options{})
		assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)
	})
}

func TestService_Retrieve_SettingsFallback(t *testing.T) {
	e, idx, set := new(MockEmbedder), new(MockIndex), new(MockSettings)
	set.On("Get", mock.Anything).Return(nil, errors.New("db down"))
	e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
	idx.On("PreFilters").Return(true)
	idx.On("Search", mock.Anything, mock.Anything, "acme", 5).
		Return([]vector.Hit{hit("acme", "a", 0.6), hit("acme", "b", 0.4)}, nil)

	svc := retrieval.NewService(e, idx, set, nil, nil).WithDefaults(0.5, 5)
	got, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Passage.Text)
}

func TestService_Retrieve_QueryLog(t *testing.T) {
	var buf bytes.Buffer
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
	idx.On("PreFilters").Return(true)
	idx.On("Search", mock.Anything, mock.Anything, "acme", 10).Return([]vector.Hit{hit("acme", "a", 0.9)}, nil)

	svc := retrieval.NewService(e, idx, defaultSettings(), retrieval.NewQueryLogger(&buf), nil)
	ctx := middleware.WithCorrelationID(context.Background(), "corr-1")
	_, err := svc.Retrieve(ctx, "q", "acme", retrieval.Options{})
	require.NoError(t, err)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "q", entry.Query)
	assert.Equal(t, "acme", entry.TenantID)
	assert.Equal(t, 1, entry.NumResults)
	assert.Equal(t, 0.7, entry.Threshold)
	assert.Equal(t, "corr-1", entry.CorrelationID)
}

func TestService_Retrieve_QueryLogRecordsFailures(t *testing.T) {
	var buf bytes.Buffer
	e, idx := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "q").Return([]float32{1}, nil)
	idx.On("PreFilters").Return(true)
	idx.On("Search", mock.Anything, mock.Anything, "acme", 10).Return(nil, passage.ErrIndexUnavailable)

	svc := retrieval.NewService(e, idx, defaultSettings(), retrieval.NewQueryLogger(&buf), nil)
	_, err := svc.Retrieve(context.Background(), "q", "acme", retrieval.Options{})
	require.ErrorIs(t, err, passage.ErrIndexUnavailable)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, 10, entry.Limit)
	assert.Zero(t, entry.NumResults)
	assert.Contains(t, entry.Error, "index unavailable")
}
