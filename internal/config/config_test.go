package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvault/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendWeaviate, cfg.VectorBackend)
	assert.Equal(t, "Passage", cfg.IndexName)
	assert.Equal(t, "cosine", cfg.IndexMetric)
	assert.Equal(t, 2*time.Second, cfg.IndexPollInterval)
	assert.Equal(t, 30, cfg.IndexPollAttempts)
	assert.Equal(t, config.ChunkingStandard, cfg.ChunkingMode)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, 2000, cfg.SemanticChunkSize)
	assert.Equal(t, 400, cfg.SemanticChunkOverlap)
	assert.Equal(t, 0.7, cfg.SearchThreshold)
	assert.Equal(t, 10, cfg.SearchTopK)
	assert.True(t, cfg.OCREnabled)
	assert.Equal(t, 300, cfg.OCRDPI)
	assert.Equal(t, 5*time.Minute, cfg.ExtractTimeout)
	assert.Equal(t, 4, cfg.IngestionConcurrency)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.Equal(t, int64(10<<20), cfg.WebMaxBytes)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	require.NoError(t, os.WriteFile(".env", []byte("DB_HOST=loaded-from-file\nVECTOR_BACKEND=milvus\n"), 0o600))
	defer os.Remove(".env")
	defer os.Unsetenv("DB_HOST")
	defer os.Unsetenv("VECTOR_BACKEND")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
	assert.Equal(t, config.BackendMilvus, cfg.VectorBackend)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ENABLE_API", "false")
	t.Setenv("ENABLE_WORKER", "false")
	t.Setenv("INGESTION_CONCURRENCY", "10")
	t.Setenv("CHUNKING_MODE", "semantic")
	t.Setenv("OCR_ENABLED", "false")
	t.Setenv("INDEX_POLL_INTERVAL", "500ms")
	t.Setenv("SEARCH_THRESHOLD", "0.55")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.False(t, cfg.EnableAPI)
	assert.False(t, cfg.EnableWorker)
	assert.Equal(t, 10, cfg.IngestionConcurrency)
	assert.Equal(t, config.ChunkingSemantic, cfg.ChunkingMode)
	assert.False(t, cfg.OCREnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.IndexPollInterval)
	assert.Equal(t, 0.55, cfg.SearchThreshold)
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "pinecone")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestConfig_PostgresDSN(t *testing.T) {
	cfg := config.Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPass: "p", DBName: "docvault"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=docvault sslmode=disable", cfg.PostgresDSN())
}
