package vector

import (
	"context"
	"fmt"
	"strings"

	"docvault/internal/passage"
)

type Metric string

const MetricCosine Metric = "cosine"

// IndexSpec describes the collection holding passages and its similarity
// index. Dimension must equal the embedder's output size.
type IndexSpec struct {
	Name      string
	Dimension int
	Metric    Metric
}

// IndexName is the name the similarity index is created and looked up under.
func (s IndexSpec) IndexName() string {
	return strings.ToLower(s.Name) + "_vector_idx"
}

func (s IndexSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("index name is required")
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("index dimension must be positive, got %d", s.Dimension)
	}
	if s.Metric != MetricCosine {
		return fmt.Errorf("unsupported similarity metric %q", s.Metric)
	}
	return nil
}

type Status string

const (
	StatusAbsent   Status = "absent"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
)

type IndexState struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    Metric `json:"metric"`
	Status    Status `json:"status"`
}

// Filter selects passages for search, count and delete. TenantID is always
// required; the other fields narrow the selection further.
type Filter struct {
	TenantID   string
	SourceIDs  []string
	SourceKind passage.SourceKind
	// FromSequence matches passages whose sequence index is at least this.
	FromSequence *int
}

func (f Filter) Validate() error {
	if strings.TrimSpace(f.TenantID) == "" {
		return passage.ErrMissingTenant
	}
	return nil
}

// Hit is a search candidate with its cosine similarity to the query.
type Hit struct {
	Passage    passage.Passage
	Similarity float64
}

// Backend is the contract a vector store has to satisfy.
type Backend interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, spec IndexSpec) error
	ListIndexes(ctx context.Context, collection string) ([]string, error)
	CreateSimilarityIndex(ctx context.Context, spec IndexSpec) error
	// IndexReady reports whether the similarity index can serve queries.
	IndexReady(ctx context.Context, spec IndexSpec) (bool, error)

	Upsert(ctx context.Context, collection string, passages []passage.Passage) error
	SimilaritySearch(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]Hit, error)
	BulkDelete(ctx context.Context, collection string, filter Filter) (int, error)
	Count(ctx context.Context, collection string, filter Filter) (int, error)

	// PreFilters reports whether SimilaritySearch applies the filter inside
	// the nearest-neighbour search rather than after a global top-k.
	PreFilters() bool
}

// SchemaMigrator is implemented by backends that can add missing fields to
// an existing collection.
type SchemaMigrator interface {
	MigrateSchema(ctx context.Context, spec IndexSpec) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
