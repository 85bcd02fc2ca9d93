package weaviate

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"

	"docvault/internal/vector"
)

// SchemaClient is the subset of the Weaviate schema API the store needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
	Shards(ctx context.Context, className string) ([]*models.ShardStatusGetResponse, error)
}

// Property names on the passage class.
const (
	propText              = "text"
	propTenantID          = "tenantId"
	propSourceID          = "sourceId"
	propSourceKind        = "sourceKind"
	propSequenceIndex     = "sequenceIndex"
	propCreatedAt         = "createdAt"
	propExtractionMethod  = "extractionMethod"
	propOpticalConfidence = "opticalConfidence"
	propFilename          = "filename"
	propContentType       = "contentType"
	propSizeBytes         = "sizeBytes"
	propURL               = "url"
	propTitle             = "title"
	propHasQuestion       = "hasQuestion"
	propHasDigits         = "hasDigits"
	propHasProperName     = "hasProperName"
	propWordCount         = "wordCount"
)

func keyword(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"text"}, Tokenization: models.PropertyTokenizationField}
}

// passageProperties lists the class properties. Identifiers use field
// tokenization so equality filters match the whole value.
func passageProperties() []*models.Property {
	return []*models.Property{
		{Name: propText, DataType: []string{"text"}},
		keyword(propTenantID),
		keyword(propSourceID),
		keyword(propSourceKind),
		{Name: propSequenceIndex, DataType: []string{"int"}},
		{Name: propCreatedAt, DataType: []string{"date"}},
		keyword(propExtractionMethod),
		{Name: propOpticalConfidence, DataType: []string{"number"}},
		{Name: propFilename, DataType: []string{"text"}},
		keyword(propContentType),
		{Name: propSizeBytes, DataType: []string{"int"}},
		keyword(propURL),
		{Name: propTitle, DataType: []string{"text"}},
		{Name: propHasQuestion, DataType: []string{"boolean"}},
		{Name: propHasDigits, DataType: []string{"boolean"}},
		{Name: propHasProperName, DataType: []string{"boolean"}},
		{Name: propWordCount, DataType: []string{"int"}},
	}
}

// passageClass builds the class definition. Vectors are supplied by the
// caller and indexed with HNSW under the cosine distance.
func passageClass(spec vector.IndexSpec) *models.Class {
	return &models.Class{
		Class:           spec.Name,
		Description:     "A passage of an ingested document",
		Vectorizer:      "none",
		VectorIndexType: "hnsw",
		VectorIndexConfig: map[string]interface{}{
			"distance": string(spec.Metric),
		},
		Properties: passageProperties(),
	}
}

// migrateSchema adds properties missing from an existing class.
func migrateSchema(ctx context.Context, client SchemaClient, className string) ([]string, error) {
	class, err := client.GetClass(ctx, className)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}

	var added []string
	for _, p := range passageProperties() {
		if existing[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, className, p); err != nil {
			return added, err
		}
		added = append(added, p.Name)
	}
	return added, nil
}
