package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Storage   string `envconfig:"STORAGE" default:"postgres"`
	DBHost    string `envconfig:"DB_HOST" default:"localhost"`
	DBPort    int    `envconfig:"DB_PORT" default:"5432"`
	DBUser    string `envconfig:"DB_USER" default:"conduit"`
	DBPass    string `envconfig:"DB_PASS" default:"password"`
	DBName    string `envconfig:"DB_NAME" default:"conduit"`
	DBSSLMode string `envconfig:"DB_SSLMODE" default:"disable"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Optional sinks; empty disables them.
	WeaviateHost   string `envconfig:"WEAVIATE_HOST"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	NSQDHost       string `envconfig:"NSQD_HOST"`
	NSQDHTTP       string `envconfig:"NSQD_HTTP"`

	// Runner
	RunnerWorkers    int    `envconfig:"RUNNER_WORKERS" default:"4"`
	RunnerQueueDepth int    `envconfig:"RUNNER_QUEUE_DEPTH" default:"64"`
	JobLogDir        string `envconfig:"JOB_LOG_DIR" default:"data/jobs"`

	// Embedding
	Embedder             string `envconfig:"EMBEDDER" default:"zero"`
	EmbedBatchSize       int    `envconfig:"EMBED_BATCH_SIZE" default:"32"`
	EmbeddingDim         int    `envconfig:"EMBEDDING_DIM" default:"768"`
	GeminiAPIKey         string `envconfig:"GEMINI_API_KEY"`
	GeminiEmbeddingModel string `envconfig:"GEMINI_EMBEDDING_MODEL" default:"gemini-embedding-001"`
	OpenAIBaseURL        string `envconfig:"OPENAI_BASE_URL"`
	OpenAIAPIKey         string `envconfig:"OPENAI_API_KEY"`
	OpenAIEmbeddingModel string `envconfig:"OPENAI_EMBEDDING_MODEL" default:"text-embedding-3-small"`

	// Chunking and parsing
	ChunkMaxChars      int    `envconfig:"CHUNK_MAX_CHARS" default:"1200"`
	ChunkOverlap       int    `envconfig:"CHUNK_OVERLAP" default:"200"`
	TranscriptCacheDir string `envconfig:"TRANSCRIPT_CACHE_DIR" default:"data/transcripts"`
	PDFCacheEntries    int    `envconfig:"PDF_CACHE_ENTRIES" default:"64"`
	HTTPTimeoutSeconds int    `envconfig:"HTTP_TIMEOUT_SECONDS" default:"30"`
	URLMaxBytes        int64  `envconfig:"URL_MAX_BYTES" default:"10485760"`

	// Default tenant for the CLI.
	Tenant string `envconfig:"TENANT"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

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
	switch c.Storage {
	case "postgres":
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: STORAGE must be postgres or memory, got %q", ErrInvalid, c.Storage)
	}

	switch c.Embedder {
	case "zero", "hash":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	case "openai":
		if c.OpenAIBaseURL == "" {
			return fmt.Errorf("%w: OPENAI_BASE_URL", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: unknown EMBEDDER %q", ErrInvalid, c.Embedder)
	}

	if c.RunnerWorkers < 1 {
		return fmt.Errorf("%w: RUNNER_WORKERS must be at least 1", ErrInvalid)
	}
	if c.RunnerQueueDepth < 0 {
		return fmt.Errorf("%w: RUNNER_QUEUE_DEPTH must not be negative", ErrInvalid)
	}
	if c.ChunkMaxChars < 1 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMaxChars {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_MAX_CHARS)", ErrInvalid)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSLMode)
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}
