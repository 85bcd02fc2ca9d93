package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-proto/go-api/v2/commonpb"
	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"docvault/internal/passage"
	"docvault/internal/vector"
)

// Field names of the passage collection.
const (
	FieldID            = "id"
	FieldText          = "text"
	FieldTenantID      = "tenant_id"
	FieldSourceID      = "source_id"
	FieldSourceKind    = "source_kind"
	FieldSequenceIndex = "sequence_index"
	FieldCreatedAt     = "created_at"
	FieldMetadata      = "metadata"
	FieldVector        = "vector"
)

const (
	maxTextLength = "65535"
	maxIDLength   = "512"
)

var outputFields = []string{
	FieldID, FieldText, FieldTenantID, FieldSourceID, FieldSourceKind,
	FieldSequenceIndex, FieldCreatedAt, FieldMetadata,
}

// Store keeps passages in a Milvus collection with an HNSW index on the
// vector field.
type Store struct {
	client *milvusclient.Client
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[string]bool
}

func Connect(ctx context.Context, address string) (*milvusclient.Client, error) {
	return milvusclient.New(ctx, &milvusclient.ClientConfig{Address: address})
}

func NewStore(client *milvusclient.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger, loaded: make(map[string]bool)}
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	return s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
}

func (s *Store) CreateCollection(ctx context.Context, spec vector.IndexSpec) error {
	return s.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(spec.Name, collectionSchema(spec)))
}

func (s *Store) ListIndexes(ctx context.Context, collection string) ([]string, error) {
	return s.client.ListIndexes(ctx, milvusclient.NewListIndexOption(collection))
}

func (s *Store) CreateSimilarityIndex(ctx context.Context, spec vector.IndexSpec) error {
	idx := index.NewHNSWIndex(metricType(spec.Metric), 16, 200)
	_, err := s.client.CreateIndex(ctx,
		milvusclient.NewCreateIndexOption(spec.Name, FieldVector, idx).WithIndexName(spec.IndexName()))
	return err
}

// IndexReady is true once the index has finished building and the
// collection has been loaded for search.
func (s *Store) IndexReady(ctx context.Context, spec vector.IndexSpec) (bool, error) {
	desc, err := s.client.DescribeIndex(ctx, milvusclient.NewDescribeIndexOption(spec.Name, spec.IndexName()))
	if err != nil {
		return false, err
	}
	switch desc.State {
	case index.IndexState(commonpb.IndexState_Finished):
	case index.IndexState(commonpb.IndexState_Failed):
		return false, fmt.Errorf("index %s build failed", spec.IndexName())
	default:
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[spec.Name] {
		return true, nil
	}
	task, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(spec.Name))
	if err != nil {
		return false, err
	}
	if err := task.Await(ctx); err != nil {
		return false, err
	}
	s.loaded[spec.Name] = true
	s.logger.InfoContext(ctx, "collection loaded", "collection", spec.Name)
	return true, nil
}

func (s *Store) PreFilters() bool { return true }

func (s *Store) Upsert(ctx context.Context, collection string, passages []passage.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	cols, err := passageColumns(passages)
	if err != nil {
		return err
	}
	_, err = s.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(collection).WithColumns(cols...))
	return err
}

func (s *Store) SimilaritySearch(ctx context.Context, collection string, vec []float32, f vector.Filter, limit int) ([]vector.Hit, error) {
	opt := milvusclient.NewSearchOption(collection, limit, []entity.Vector{entity.FloatVector(vec)}).
		WithANNSField(FieldVector).
		WithFilter(filterExpr(f)).
		WithOutputFields(outputFields...).
		WithConsistencyLevel(entity.ClStrong)

	results, err := s.client.Search(ctx, opt)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	rs := &results[0]
	hits := make([]vector.Hit, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		p, err := rowPassage(rs, i)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unreadable search row", "row", i, "error", err)
			continue
		}
		hit := vector.Hit{Passage: p}
		if i < len(rs.Scores) {
			hit.Similarity = float64(rs.Scores[i])
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Store) BulkDelete(ctx context.Context, collection string, f vector.Filter) (int, error) {
	res, err := s.client.Delete(ctx, milvusclient.NewDeleteOption(collection).WithExpr(filterExpr(f)))
	if err != nil {
		return 0, err
	}
	return int(res.DeleteCount), nil
}

func (s *Store) Count(ctx context.Context, collection string, f vector.Filter) (int, error) {
	rs, err := s.client.Query(ctx, milvusclient.NewQueryOption(collection).
		WithFilter(filterExpr(f)).
		WithOutputFields("count(*)").
		WithConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, err
	}
	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	n, err := col.GetAsInt64(0)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func metricType(m vector.Metric) entity.MetricType {
	switch m {
	case vector.MetricCosine:
		return entity.COSINE
	default:
		return entity.MetricType(strings.ToUpper(string(m)))
	}
}

func collectionSchema(spec vector.IndexSpec) *entity.Schema {
	varchar := func(name, maxLen string) *entity.Field {
		return &entity.Field{Name: name, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": maxLen}}
	}

	return &entity.Schema{
		CollectionName: spec.Name,
		Description:    "Passages of ingested documents",
		Fields: []*entity.Field{
			{
				Name:       FieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			varchar(FieldText, maxTextLength),
			varchar(FieldTenantID, maxIDLength),
			varchar(FieldSourceID, maxTextLength),
			varchar(FieldSourceKind, "16"),
			{Name: FieldSequenceIndex, DataType: entity.FieldTypeInt64},
			{Name: FieldCreatedAt, DataType: entity.FieldTypeInt64},
			{Name: FieldMetadata, DataType: entity.FieldTypeJSON},
			{
				Name:       FieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(spec.Dimension)},
			},
		},
	}
}

// filterExpr renders a Filter as a Milvus boolean expression.
func filterExpr(f vector.Filter) string {
	clauses := []string{FieldTenantID + " == " + quote(f.TenantID)}

	switch len(f.SourceIDs) {
	case 0:
	case 1:
		clauses = append(clauses, FieldSourceID+" == "+quote(f.SourceIDs[0]))
	default:
		quoted := make([]string, len(f.SourceIDs))
		for i, id := range f.SourceIDs {
			quoted[i] = quote(id)
		}
		clauses = append(clauses, FieldSourceID+" in ["+strings.Join(quoted, ", ")+"]")
	}
	if f.SourceKind != "" {
		clauses = append(clauses, FieldSourceKind+" == "+quote(string(f.SourceKind)))
	}
	if f.FromSequence != nil {
		clauses = append(clauses, FieldSequenceIndex+" >= "+strconv.Itoa(*f.FromSequence))
	}
	return strings.Join(clauses, " && ")
}

var exprEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quote renders s as a Milvus string literal. Only the backslash and the
// double quote are escaped, other runes pass through unchanged.
func quote(s string) string {
	return `"` + exprEscaper.Replace(s) + `"`
}

// metadata holds the optional passage fields, stored in the JSON column.
type metadata struct {
	ExtractionMethod  passage.ExtractionMethod `json:"extraction_method,omitempty"`
	OpticalConfidence *float64                 `json:"optical_confidence,omitempty"`
	Upload            *passage.UploadMetadata  `json:"upload,omitempty"`
	Web               *passage.WebMetadata     `json:"web,omitempty"`
	Signals           *passage.Signals         `json:"signals,omitempty"`
}

func passageColumns(passages []passage.Passage) ([]column.Column, error) {
	n := len(passages)
	var (
		ids     = make([]string, n)
		texts   = make([]string, n)
		tenants = make([]string, n)
		sources = make([]string, n)
		kinds   = make([]string, n)
		seqs    = make([]int64, n)
		created = make([]int64, n)
		metas   = make([][]byte, n)
		vectors = make([][]float32, n)
	)
	dim := len(passages[0].Vector)

	for i, p := range passages {
		if len(p.Vector) != dim || dim == 0 {
			return nil, fmt.Errorf("passage %s has %d dimensions, batch has %d", p.ID, len(p.Vector), dim)
		}
		meta, err := json.Marshal(metadata{
			ExtractionMethod:  p.ExtractionMethod,
			OpticalConfidence: p.OpticalConfidence,
			Upload:            p.Upload,
			Web:               p.Web,
			Signals:           p.Signals,
		})
		if err != nil {
			return nil, err
		}
		ids[i] = p.ID
		texts[i] = p.Text
		tenants[i] = p.TenantID
		sources[i] = p.SourceID
		kinds[i] = string(p.SourceKind)
		seqs[i] = int64(p.SequenceIndex)
		created[i] = p.CreatedAt.UnixMilli()
		metas[i] = meta
		vectors[i] = p.Vector
	}

	return []column.Column{
		column.NewColumnVarChar(FieldID, ids),
		column.NewColumnVarChar(FieldText, texts),
		column.NewColumnVarChar(FieldTenantID, tenants),
		column.NewColumnVarChar(FieldSourceID, sources),
		column.NewColumnVarChar(FieldSourceKind, kinds),
		column.NewColumnInt64(FieldSequenceIndex, seqs),
		column.NewColumnInt64(FieldCreatedAt, created),
		column.NewColumnJSONBytes(FieldMetadata, metas),
		column.NewColumnFloatVector(FieldVector, dim, vectors),
	}, nil
}

// columnReader is the part of a result set rowPassage reads from.
type columnReader interface {
	GetColumn(name string) column.Column
}

func rowPassage(rs columnReader, i int) (passage.Passage, error) {
	str := func(name string) (string, error) {
		col := rs.GetColumn(name)
		if col == nil {
			return "", fmt.Errorf("column %s missing", name)
		}
		return col.GetAsString(i)
	}
	num := func(name string) (int64, error) {
		col := rs.GetColumn(name)
		if col == nil {
			return 0, fmt.Errorf("column %s missing", name)
		}
		return col.GetAsInt64(i)
	}

	var p passage.Passage
	var err error
	if p.ID, err = str(FieldID); err != nil {
		return p, err
	}
	if p.Text, err = str(FieldText); err != nil {
		return p, err
	}
	if p.TenantID, err = str(FieldTenantID); err != nil {
		return p, err
	}
	if p.SourceID, err = str(FieldSourceID); err != nil {
		return p, err
	}
	kind, err := str(FieldSourceKind)
	if err != nil {
		return p, err
	}
	p.SourceKind = passage.SourceKind(kind)

	seq, err := num(FieldSequenceIndex)
	if err != nil {
		return p, err
	}
	p.SequenceIndex = int(seq)
	if ms, err := num(FieldCreatedAt); err == nil {
		p.CreatedAt = time.UnixMilli(ms).UTC()
	}

	if raw := jsonValue(rs.GetColumn(FieldMetadata), i); len(raw) > 0 {
		var m metadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return p, fmt.Errorf("decode metadata: %w", err)
		}
		p.ExtractionMethod = m.ExtractionMethod
		p.OpticalConfidence = m.OpticalConfidence
		p.Upload = m.Upload
		p.Web = m.Web
		p.Signals = m.Signals
	}
	return p, nil
}

func jsonValue(col column.Column, i int) []byte {
	if col == nil {
		return nil
	}
	v, err := col.Get(i)
	if err != nil {
		return nil
	}
	switch raw := v.(type) {
	case []byte:
		return raw
	case string:
		return []byte(raw)
	}
	return nil
}
