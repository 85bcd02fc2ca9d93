package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"docvault/internal/adapter/gemini"
	"docvault/internal/adapter/milvus"
	wstore "docvault/internal/adapter/weaviate"
	"docvault/internal/config"
	"docvault/internal/passage"
	"docvault/internal/settings"
	"docvault/internal/vector"
)

// Options replace bootstrap-built collaborators, mostly for tests.
type Options struct {
	Embedder vector.Embedder
	Backend  vector.Backend
}

type Dependencies struct {
	DB          *sql.DB
	Settings    *settings.Service
	Embedder    vector.Embedder
	Index       *vector.Manager
	NSQProducer *nsq.Producer

	closers   []func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// Close releases everything Bootstrap opened, in reverse order. It is safe
// to call more than once.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		var errs []error
		for i := len(d.closers) - 1; i >= 0; i-- {
			if err := d.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func (d *Dependencies) onClose(fn func(context.Context) error) {
	d.closers = append(d.closers, fn)
}

func retryPolicy(ctx context.Context, cfg *config.Config) backoff.BackOff {
	attempts := cfg.BootstrapRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
}

// Bootstrap connects to every backing service and readies the passage index.
// An index that cannot be made ready is fatal.
func Bootstrap(ctx context.Context, cfg *config.Config, opts *Options) (_ *Dependencies, err error) {
	if opts == nil {
		opts = &Options{}
	}
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			_ = deps.Close(context.WithoutCancel(ctx))
		}
	}()

	// Database
	db, err := sql.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	deps.DB = db
	deps.onClose(func(context.Context) error { return db.Close() })

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			slog.WarnContext(ctx, "failed to ping db, retrying", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, retryPolicy(ctx, cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		return nil, err
	}

	deps.Settings = settings.NewService(settings.NewPostgresRepo(db))
	seedAPIKey(ctx, deps.Settings, cfg.GeminiAPIKey)

	// Embeddings
	deps.Embedder = opts.Embedder
	if deps.Embedder == nil {
		dyn := gemini.NewDynamicEmbedder(deps.Settings, cfg.EmbeddingModel, cfg.EmbeddingDimension)
		deps.onClose(func(context.Context) error { return dyn.Close() })
		deps.Embedder = gemini.NewRateLimitedEmbedder(dyn, cfg.EmbedRatePerSecond, cfg.EmbedBurst)
	}

	// Vector store
	backend := opts.Backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg, deps)
		if err != nil {
			return nil, err
		}
	}

	deps.Index = vector.NewManager(backend, deps.Embedder, vector.PollConfig{
		Interval: cfg.IndexPollInterval,
		Attempts: cfg.IndexPollAttempts,
	}, slog.Default())
	if err := EnsureIndexWithRetry(ctx, deps.Index, IndexSpec(cfg), retryPolicy(ctx, cfg)); err != nil {
		return nil, fmt.Errorf("passage index error: %w", err)
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.NSQProducer = producer
	deps.onClose(func(context.Context) error { producer.Stop(); return nil })

	createTopics(ctx, cfg.NSQDHTTP, config.TopicIngestTask)
	return deps, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

// seedAPIKey stores the key from the environment when the settings row has
// none yet. A key set through the API always wins.
func seedAPIKey(ctx context.Context, svc *settings.Service, key string) {
	if key == "" {
		return
	}
	set, err := svc.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch settings for seeding", "error", err)
		return
	}
	if set.GeminiAPIKey != "" {
		return
	}
	set.GeminiAPIKey = key
	if err := svc.Update(ctx, set); err != nil {
		slog.WarnContext(ctx, "failed to seed gemini api key", "error", err)
		return
	}
	slog.InfoContext(ctx, "seeded gemini api key from environment")
}

func openBackend(ctx context.Context, cfg *config.Config, deps *Dependencies) (vector.Backend, error) {
	switch cfg.VectorBackend {
	case config.BackendMilvus:
		client, err := milvus.Connect(ctx, cfg.MilvusAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: milvus client: %w", passage.ErrIndexUnavailable, err)
		}
		store := milvus.NewStore(client, slog.Default())
		deps.onClose(store.Close)
		return store, nil
	default:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("%w: weaviate client: %w", passage.ErrIndexUnavailable, err)
		}
		return wstore.NewStore(client, slog.Default()), nil
	}
}

// IndexSpec is the passage index the configuration asks for.
func IndexSpec(cfg *config.Config) vector.IndexSpec {
	return vector.IndexSpec{
		Name:      cfg.IndexName,
		Dimension: cfg.EmbeddingDimension,
		Metric:    vector.Metric(cfg.IndexMetric),
	}
}

type IndexEnsurer interface {
	EnsureReady(ctx context.Context, spec vector.IndexSpec) error
}

// EnsureIndexWithRetry retries while the store is unreachable. A build that
// exceeds its poll budget or an invalid spec fails at once.
func EnsureIndexWithRetry(ctx context.Context, idx IndexEnsurer, spec vector.IndexSpec, policy backoff.BackOff) error {
	return backoff.Retry(func() error {
		err := idx.EnsureReady(ctx, spec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, passage.ErrIndexUnavailable):
			slog.WarnContext(ctx, "passage index not reachable, retrying", "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)
}

// createTopics pre-creates topics so consumers polling lookupd do not fail
// before the first publish.
func createTopics(ctx context.Context, nsqdHTTP string, topics ...string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, topic := range topics {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			slog.WarnContext(ctx, "failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config
		if err != nil {
			slog.WarnContext(ctx, "failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.WarnContext(ctx, "failed to close NSQ topic creation response body", "error", closeErr)
		}
	}
}
