package app_test

import (
	"context"
	"sync"

	"docvault/internal/passage"
	"docvault/internal/vector"
)

// memBackend is a vector.Backend whose index is ready as soon as it exists.
type memBackend struct {
	mu          sync.Mutex
	collections map[string]bool
	indexes     map[string][]string
	passages    []passage.Passage
	unreachable int
}

func newMemBackend() *memBackend {
	return &memBackend{collections: map[string]bool{}, indexes: map[string][]string{}}
}

func (b *memBackend) CollectionExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreachable > 0 {
		b.unreachable--
		return false, errConnRefused
	}
	return b.collections[name], nil
}

func (b *memBackend) CreateCollection(_ context.Context, spec vector.IndexSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collections[spec.Name] = true
	return nil
}

func (b *memBackend) ListIndexes(_ context.Context, collection string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexes[collection], nil
}

func (b *memBackend) CreateSimilarityIndex(_ context.Context, spec vector.IndexSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexes[spec.Name] = append(b.indexes[spec.Name], spec.IndexName())
	return nil
}

func (b *memBackend) IndexReady(context.Context, vector.IndexSpec) (bool, error) { return true, nil }

func (b *memBackend) Upsert(_ context.Context, _ string, ps []passage.Passage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.passages = append(b.passages, ps...)
	return nil
}

func (b *memBackend) SimilaritySearch(_ context.Context, _ string, _ []float32, f vector.Filter, limit int) ([]vector.Hit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var hits []vector.Hit
	for _, p := range b.passages {
		if p.TenantID == f.TenantID && len(hits) < limit {
			hits = append(hits, vector.Hit{Passage: p, Similarity: 0.9})
		}
	}
	return hits, nil
}

func (b *memBackend) BulkDelete(_ context.Context, _ string, f vector.Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.passages[:0]
	n := 0
	for _, p := range b.passages {
		if p.TenantID == f.TenantID {
			n++
			continue
		}
		kept = append(kept, p)
	}
	b.passages = kept
	return n, nil
}

func (b *memBackend) Count(_ context.Context, _ string, f vector.Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.passages {
		if p.TenantID == f.TenantID {
			n++
		}
	}
	return n, nil
}

func (b *memBackend) PreFilters() bool { return true }

type constEmbedder struct{ dim int }

func (e constEmbedder) Embed(context.Context, string) ([]float32, error) {
	v := make([]float32, e.dim)
	for i := range v {
		v[i] = 0.1
	}
	return v, nil
}
