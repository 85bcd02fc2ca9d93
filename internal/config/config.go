package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

var ErrInvalid = errors.New("invalid configuration")

const (
	BackendWeaviate = "weaviate"
	BackendMilvus   = "milvus"

	ChunkingStandard = "standard"
	ChunkingSemantic = "semantic"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"docvault"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"docvault"`

	// Vector store
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	MilvusAddress  string `envconfig:"MILVUS_ADDRESS" default:"localhost:19530"`

	IndexName         string        `envconfig:"INDEX_NAME" default:"Passage"`
	IndexMetric       string        `envconfig:"INDEX_METRIC" default:"cosine"`
	IndexPollInterval time.Duration `envconfig:"INDEX_POLL_INTERVAL" default:"2s"`
	IndexPollAttempts int           `envconfig:"INDEX_POLL_ATTEMPTS" default:"30"`

	// Embeddings
	GeminiAPIKey       string  `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel     string  `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDimension int     `envconfig:"EMBEDDING_DIMENSION" default:"768"`
	EmbedRatePerSecond float64 `envconfig:"EMBED_RATE_PER_SECOND" default:"10"`
	EmbedBurst         int     `envconfig:"EMBED_BURST" default:"5"`

	// Chunking
	ChunkingMode         string `envconfig:"CHUNKING_MODE" default:"standard"`
	ChunkSize            int    `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap         int    `envconfig:"CHUNK_OVERLAP" default:"200"`
	SemanticChunkSize    int    `envconfig:"SEMANTIC_CHUNK_SIZE" default:"2000"`
	SemanticChunkOverlap int    `envconfig:"SEMANTIC_CHUNK_OVERLAP" default:"400"`

	// Search defaults, used when the settings row cannot be read.
	SearchThreshold float64 `envconfig:"SEARCH_THRESHOLD" default:"0.7"`
	SearchTopK      int     `envconfig:"SEARCH_TOP_K" default:"10"`

	// Extraction
	OCREnabled      bool          `envconfig:"OCR_ENABLED" default:"true"`
	OCRDPI          int           `envconfig:"OCR_DPI" default:"300"`
	OCRLanguage     string        `envconfig:"OCR_LANGUAGE" default:"eng"`
	ExtractTimeout  time.Duration `envconfig:"EXTRACT_TIMEOUT" default:"5m"`
	WebUserAgent    string        `envconfig:"WEB_USER_AGENT" default:"docvault/1.0 (+https://github.com/docvault)"`
	WebFetchTimeout time.Duration `envconfig:"WEB_FETCH_TIMEOUT" default:"30s"`
	WebMaxBytes     int64         `envconfig:"WEB_MAX_BYTES" default:"10485760"`

	// Messaging
	NSQLookupd    string        `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost      string        `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP      string        `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	WorkerTimeout time.Duration `envconfig:"WORKER_TIMEOUT" default:"10m"`

	EnableAPI            bool   `envconfig:"ENABLE_API" default:"true"`
	EnableWorker         bool   `envconfig:"ENABLE_WORKER" default:"true"`
	IngestionConcurrency int    `envconfig:"INGESTION_CONCURRENCY" default:"4"`
	MigrationPath        string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort     int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath   string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadBytes int64  `envconfig:"MAX_UPLOAD_BYTES" default:"52428800"`
	UploadDir      string `envconfig:"UPLOAD_DIR" default:"./uploads"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// A missing .env is fine, the shell may provide everything.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	switch c.VectorBackend {
	case BackendWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	case BackendMilvus:
		if c.MilvusAddress == "" {
			return fmt.Errorf("%w: MILVUS_ADDRESS", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}

	if c.ChunkingMode != ChunkingStandard && c.ChunkingMode != ChunkingSemantic {
		return fmt.Errorf("%w: CHUNKING_MODE %q", ErrInvalid, c.ChunkingMode)
	}
	if c.ChunkOverlap >= c.ChunkSize || c.SemanticChunkOverlap >= c.SemanticChunkSize {
		return fmt.Errorf("%w: chunk overlap must be smaller than chunk size", ErrInvalid)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSION must be positive", ErrInvalid)
	}
	if c.IndexPollAttempts <= 0 || c.IndexPollInterval <= 0 {
		return fmt.Errorf("%w: index polling needs a positive interval and attempt budget", ErrInvalid)
	}
	return nil
}

// PostgresDSN builds the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
