package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docvault/internal/passage"
	"docvault/internal/vector"
)

const (
	batchSize = 100
	// maxDeleteRounds bounds the batch delete loop; each round removes up to
	// the server's QUERY_MAXIMUM_RESULTS objects.
	maxDeleteRounds = 100
)

// Store keeps passages in a Weaviate class.
type Store struct {
	client *weaviate.Client
	schema SchemaClient
	logger *slog.Logger
}

func NewStore(client *weaviate.Client, logger *slog.Logger) *Store {
	return NewStoreWithSchema(client, NewClientAdapter(client), logger)
}

func NewStoreWithSchema(client *weaviate.Client, schema SchemaClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, schema: schema, logger: logger}
}

func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	return s.schema.ClassExists(ctx, name)
}

func (s *Store) CreateCollection(ctx context.Context, spec vector.IndexSpec) error {
	return s.schema.CreateClass(ctx, passageClass(spec))
}

func (s *Store) MigrateSchema(ctx context.Context, spec vector.IndexSpec) error {
	added, err := migrateSchema(ctx, s.schema, spec.Name)
	if len(added) > 0 {
		s.logger.InfoContext(ctx, "added passage properties", "class", spec.Name, "properties", added)
	}
	return err
}

// ListIndexes reports the class vector index under the name the manager
// expects. Weaviate creates it together with the class.
func (s *Store) ListIndexes(ctx context.Context, collection string) ([]string, error) {
	class, err := s.schema.GetClass(ctx, collection)
	if err != nil {
		return nil, err
	}
	if class == nil || class.VectorIndexType == "" {
		return nil, nil
	}
	return []string{vector.IndexSpec{Name: collection}.IndexName()}, nil
}

func (s *Store) CreateSimilarityIndex(ctx context.Context, spec vector.IndexSpec) error {
	return fmt.Errorf("class %s has no vector index and weaviate cannot add one to an existing class", spec.Name)
}

// IndexReady is true once every shard of the class reports READY.
func (s *Store) IndexReady(ctx context.Context, spec vector.IndexSpec) (bool, error) {
	shards, err := s.schema.Shards(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if len(shards) == 0 {
		return false, nil
	}
	for _, sh := range shards {
		if sh == nil || !strings.EqualFold(sh.Status, "READY") {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) PreFilters() bool { return true }

func (s *Store) Upsert(ctx context.Context, collection string, passages []passage.Passage) error {
	for start := 0; start < len(passages); start += batchSize {
		end := min(start+batchSize, len(passages))

		objects := make([]*models.Object, 0, end-start)
		for _, p := range passages[start:end] {
			objects = append(objects, &models.Object{
				Class:      collection,
				ID:         strfmt.UUID(p.ID),
				Properties: toProperties(p),
				Vector:     p.Vector,
			})
		}

		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return err
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				return fmt.Errorf("object %s: %s", r.ID, r.Result.Errors.Error[0].Message)
			}
		}
	}
	return nil
}

func (s *Store) SimilaritySearch(ctx context.Context, collection string, vec []float32, f vector.Filter, limit int) ([]vector.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	res, err := s.client.GraphQL().Get().
		WithClassName(collection).
		WithNearVector(nearVector).
		WithWhere(whereFilter(f)).
		WithLimit(limit).
		WithFields(searchFields()...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	var hits []vector.Hit
	if data, ok := res.Data["Get"].(map[string]interface{}); ok {
		if objects, ok := data[collection].([]interface{}); ok {
			for _, o := range objects {
				props, ok := o.(map[string]interface{})
				if !ok {
					continue
				}
				hit := vector.Hit{Passage: fromProperties(props)}
				if additional, ok := props["_additional"].(map[string]interface{}); ok {
					hit.Passage.ID, _ = additional["id"].(string)
					if d, ok := additional["distance"].(float64); ok {
						hit.Similarity = 1 - d
					}
				}
				hits = append(hits, hit)
			}
		}
	}
	return hits, nil
}

// BulkDelete removes every passage matching the filter, repeating while a
// round hits the server's per-request cap.
func (s *Store) BulkDelete(ctx context.Context, collection string, f vector.Filter) (int, error) {
	total := 0
	for range maxDeleteRounds {
		resp, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(collection).
			WithOutput("minimal").
			WithWhere(whereFilter(f)).
			Do(ctx)
		if err != nil {
			return total, err
		}
		if resp == nil || resp.Results == nil {
			return total, nil
		}
		total += int(resp.Results.Successful)
		if resp.Results.Failed > 0 {
			return total, fmt.Errorf("%d passages could not be deleted", resp.Results.Failed)
		}
		if resp.Results.Limit == 0 || resp.Results.Matches < resp.Results.Limit {
			return total, nil
		}
	}
	return total, fmt.Errorf("delete did not finish after %d rounds", maxDeleteRounds)
}

func (s *Store) Count(ctx context.Context, collection string, f vector.Filter) (int, error) {
	meta := graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(collection).
		WithWhere(whereFilter(f)).
		WithFields(meta).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if groups, ok := data[collection].([]interface{}); ok && len(groups) > 0 {
			if group, ok := groups[0].(map[string]interface{}); ok {
				if m, ok := group["meta"].(map[string]interface{}); ok {
					if count, ok := m["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

func whereFilter(f vector.Filter) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{
		filters.Where().WithPath([]string{propTenantID}).WithOperator(filters.Equal).WithValueText(f.TenantID),
	}
	switch len(f.SourceIDs) {
	case 0:
	case 1:
		operands = append(operands, filters.Where().
			WithPath([]string{propSourceID}).WithOperator(filters.Equal).WithValueText(f.SourceIDs[0]))
	default:
		operands = append(operands, filters.Where().
			WithPath([]string{propSourceID}).WithOperator(filters.ContainsAny).WithValueText(f.SourceIDs...))
	}
	if f.SourceKind != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{propSourceKind}).WithOperator(filters.Equal).WithValueText(string(f.SourceKind)))
	}
	if f.FromSequence != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{propSequenceIndex}).WithOperator(filters.GreaterThanEqual).WithValueInt(int64(*f.FromSequence)))
	}

	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func searchFields() []graphql.Field {
	var fields []graphql.Field
	for _, p := range passageProperties() {
		fields = append(fields, graphql.Field{Name: p.Name})
	}
	return append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}})
}

func toProperties(p passage.Passage) map[string]interface{} {
	props := map[string]interface{}{
		propText:          p.Text,
		propTenantID:      p.TenantID,
		propSourceID:      p.SourceID,
		propSourceKind:    string(p.SourceKind),
		propSequenceIndex: p.SequenceIndex,
		propCreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.ExtractionMethod != "" {
		props[propExtractionMethod] = string(p.ExtractionMethod)
	}
	if p.OpticalConfidence != nil {
		props[propOpticalConfidence] = *p.OpticalConfidence
	}
	if p.Upload != nil {
		props[propFilename] = p.Upload.Filename
		props[propContentType] = p.Upload.ContentType
		props[propSizeBytes] = p.Upload.SizeBytes
	}
	if p.Web != nil {
		props[propURL] = p.Web.URL
		props[propTitle] = p.Web.Title
	}
	if p.Signals != nil {
		props[propHasQuestion] = p.Signals.HasQuestion
		props[propHasDigits] = p.Signals.HasDigits
		props[propHasProperName] = p.Signals.HasProperName
		props[propWordCount] = p.Signals.WordCount
	}
	return props
}

func fromProperties(props map[string]interface{}) passage.Passage {
	str := func(name string) string {
		v, _ := props[name].(string)
		return v
	}
	num := func(name string) (float64, bool) {
		v, ok := props[name].(float64)
		return v, ok
	}

	p := passage.Passage{
		Text:             str(propText),
		TenantID:         str(propTenantID),
		SourceID:         str(propSourceID),
		SourceKind:       passage.SourceKind(str(propSourceKind)),
		ExtractionMethod: passage.ExtractionMethod(str(propExtractionMethod)),
	}
	if seq, ok := num(propSequenceIndex); ok {
		p.SequenceIndex = int(seq)
	}
	if ts, err := time.Parse(time.RFC3339Nano, str(propCreatedAt)); err == nil {
		p.CreatedAt = ts
	}
	if conf, ok := num(propOpticalConfidence); ok {
		p.OpticalConfidence = &conf
	}

	switch p.SourceKind {
	case passage.SourceKindUpload:
		size, _ := num(propSizeBytes)
		p.Upload = &passage.UploadMetadata{Filename: str(propFilename), ContentType: str(propContentType), SizeBytes: int64(size)}
	case passage.SourceKindWeb:
		p.Web = &passage.WebMetadata{URL: str(propURL), Title: str(propTitle)}
	}

	if wc, ok := num(propWordCount); ok {
		q, _ := props[propHasQuestion].(bool)
		d, _ := props[propHasDigits].(bool)
		n, _ := props[propHasProperName].(bool)
		p.Signals = &passage.Signals{HasQuestion: q, HasDigits: d, HasProperName: n, WordCount: int(wc)}
	}
	return p
}
