package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docvault/internal/passage"
)

var errIndexBuilding = errors.New("index still building")

type PollConfig struct {
	Interval time.Duration
	Attempts int
}

func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 2 * time.Second, Attempts: 30}
}

// Manager owns the passage collection: it bootstraps the collection and its
// similarity index, embeds and writes passages, and exposes tenant-scoped
// search and bulk deletes.
type Manager struct {
	backend  Backend
	embedder Embedder
	poll     PollConfig
	logger   *slog.Logger

	mu    sync.Mutex
	spec  IndexSpec
	state IndexState
}

func NewManager(backend Backend, embedder Embedder, poll PollConfig, logger *slog.Logger) *Manager {
	if poll.Attempts <= 0 {
		poll = DefaultPollConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:  backend,
		embedder: embedder,
		poll:     poll,
		logger:   logger,
		state:    IndexState{Status: StatusAbsent},
	}
}

func (m *Manager) State() IndexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) PreFilters() bool { return m.backend.PreFilters() }

// EnsureReady creates the collection and similarity index when missing and
// blocks until the index reports ready, within the poll budget. Calling it
// again for the same spec once ready is a no-op.
func (m *Manager) EnsureReady(ctx context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == StatusReady && m.spec == spec {
		return nil
	}
	m.spec = spec
	m.setStatus(StatusAbsent)

	exists, err := m.backend.CollectionExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("%w: check collection %s: %w", passage.ErrIndexUnavailable, spec.Name, err)
	}
	if !exists {
		m.logger.InfoContext(ctx, "creating passage collection", "collection", spec.Name, "dimension", spec.Dimension)
		m.setStatus(StatusBuilding)
		if err := m.backend.CreateCollection(ctx, spec); err != nil {
			return fmt.Errorf("%w: create collection %s: %w", passage.ErrIndexUnavailable, spec.Name, err)
		}
	} else if migrator, ok := m.backend.(SchemaMigrator); ok {
		if err := migrator.MigrateSchema(ctx, spec); err != nil {
			return fmt.Errorf("%w: migrate collection %s: %w", passage.ErrIndexUnavailable, spec.Name, err)
		}
	}

	indexes, err := m.backend.ListIndexes(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("%w: list indexes: %w", passage.ErrIndexUnavailable, err)
	}
	if !slices.Contains(indexes, spec.IndexName()) {
		m.logger.InfoContext(ctx, "creating similarity index", "index", spec.IndexName(), "metric", spec.Metric)
		m.setStatus(StatusBuilding)
		if err := m.backend.CreateSimilarityIndex(ctx, spec); err != nil {
			return fmt.Errorf("%w: create index %s: %w", passage.ErrIndexUnavailable, spec.IndexName(), err)
		}
	}

	if err := m.waitReady(ctx, spec); err != nil {
		return err
	}
	m.setStatus(StatusReady)
	m.logger.InfoContext(ctx, "passage index ready", "collection", spec.Name, "index", spec.IndexName())
	return nil
}

func (m *Manager) setStatus(s Status) {
	m.state = IndexState{Name: m.spec.Name, Dimension: m.spec.Dimension, Metric: m.spec.Metric, Status: s}
}

func (m *Manager) waitReady(ctx context.Context, spec IndexSpec) error {
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.poll.Interval), uint64(m.poll.Attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempts++
		ready, err := m.backend.IndexReady(ctx, spec)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: index status: %w", passage.ErrIndexUnavailable, err))
		}
		if !ready {
			m.logger.DebugContext(ctx, "similarity index not ready yet", "index", spec.IndexName(), "attempt", attempts)
			return errIndexBuilding
		}
		return nil
	}, policy)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errIndexBuilding):
		return fmt.Errorf("%w: %s after %d checks", passage.ErrIndexTimeout, spec.IndexName(), attempts)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %w", passage.ErrIndexTimeout, spec.IndexName(), ctx.Err())
	default:
		return err
	}
}

func (m *Manager) readySpec() (IndexSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusReady {
		return IndexSpec{}, fmt.Errorf("%w: index is %s", passage.ErrIndexUnavailable, m.state.Status)
	}
	return m.spec, nil
}

// Write embeds and upserts passages. Every passage must carry a tenant; the
// batch is rejected before anything is embedded otherwise.
func (m *Manager) Write(ctx context.Context, passages []passage.Passage) error {
	spec, err := m.readySpec()
	if err != nil {
		return err
	}
	if len(passages) == 0 {
		return nil
	}
	for i := range passages {
		if err := passages[i].Validate(); err != nil {
			return err
		}
	}

	batch := make([]passage.Passage, len(passages))
	for i, p := range passages {
		vec, err := m.embedder.Embed(ctx, p.Text)
		if err != nil {
			if errors.Is(err, passage.ErrEmbeddingFailed) {
				return err
			}
			return fmt.Errorf("%w: passage %d of %s: %w", passage.ErrEmbeddingFailed, p.SequenceIndex, p.SourceID, err)
		}
		if len(vec) != spec.Dimension {
			return fmt.Errorf("%w: embedder returned %d dimensions, index expects %d", passage.ErrEmbeddingFailed, len(vec), spec.Dimension)
		}
		p.Vector = vec
		batch[i] = p
	}

	if err := m.backend.Upsert(ctx, spec.Name, batch); err != nil {
		return fmt.Errorf("%w: upsert: %w", passage.ErrIndexUnavailable, err)
	}
	return nil
}

// Replace writes the new passages of a source and then removes whatever the
// previous ingestion left beyond them. It returns the number of stale
// passages removed.
func (m *Manager) Replace(ctx context.Context, tenantID, sourceID string, passages []passage.Passage) (int, error) {
	if tenantID == "" {
		return 0, passage.ErrMissingTenant
	}
	for _, p := range passages {
		if p.TenantID == "" {
			return 0, fmt.Errorf("%w: passage %d of %s", passage.ErrMissingTenant, p.SequenceIndex, sourceID)
		}
		if p.TenantID != tenantID || p.SourceID != sourceID {
			return 0, fmt.Errorf("passage %d belongs to %q/%q, not %q/%q",
				p.SequenceIndex, p.TenantID, p.SourceID, tenantID, sourceID)
		}
	}
	if err := m.Write(ctx, passages); err != nil {
		return 0, err
	}
	from := len(passages)
	return m.delete(ctx, Filter{TenantID: tenantID, SourceIDs: []string{sourceID}, FromSequence: &from})
}

func (m *Manager) DeleteSource(ctx context.Context, tenantID, sourceID string) (int, error) {
	return m.delete(ctx, Filter{TenantID: tenantID, SourceIDs: []string{sourceID}})
}

func (m *Manager) DeleteSources(ctx context.Context, tenantID string, sourceIDs []string) (int, error) {
	if len(sourceIDs) == 0 {
		return 0, Filter{TenantID: tenantID}.Validate()
	}
	return m.delete(ctx, Filter{TenantID: tenantID, SourceIDs: sourceIDs})
}

func (m *Manager) DeleteByKind(ctx context.Context, tenantID string, kind passage.SourceKind) (int, error) {
	return m.delete(ctx, Filter{TenantID: tenantID, SourceKind: kind})
}

func (m *Manager) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	return m.delete(ctx, Filter{TenantID: tenantID})
}

func (m *Manager) delete(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	spec, err := m.readySpec()
	if err != nil {
		return 0, err
	}
	n, err := m.backend.BulkDelete(ctx, spec.Name, f)
	if err != nil {
		return 0, fmt.Errorf("%w: bulk delete: %w", passage.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Count returns how many passages a tenant has.
func (m *Manager) Count(ctx context.Context, tenantID string) (int, error) {
	f := Filter{TenantID: tenantID}
	if err := f.Validate(); err != nil {
		return 0, err
	}
	spec, err := m.readySpec()
	if err != nil {
		return 0, err
	}
	n, err := m.backend.Count(ctx, spec.Name, f)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", passage.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Search returns up to limit nearest passages for the tenant.
func (m *Manager) Search(ctx context.Context, vec []float32, tenantID string, limit int) ([]Hit, error) {
	f := Filter{TenantID: tenantID}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	spec, err := m.readySpec()
	if err != nil {
		return nil, err
	}
	if len(vec) != spec.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index expects %d", passage.ErrEmbeddingFailed, len(vec), spec.Dimension)
	}
	hits, err := m.backend.SimilaritySearch(ctx, spec.Name, vec, f, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", passage.ErrIndexUnavailable, err)
	}
	return hits, nil
}
