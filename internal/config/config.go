package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	IngestBackendLocal = "local"
	IngestBackendAsynq = "asynq"

	EntityStoreMemory = "memory"
	EntityStoreRedis  = "redis"

	ChunkStrategyWindow   = "window"
	ChunkStrategySemantic = "semantic"
)

type Config struct {
	MongoURI    string
	DBName      string
	Port        string
	GinMode     string
	CORSOrigins []string
	MaxFileSize int64

	// Gemini / embeddings
	GeminiAPIKey   string
	LLMModel       string
	EmbeddingModel string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMMaxRetries  int
	LLMRPM         int
	LLMTimeout     time.Duration
	FetchTimeout   time.Duration

	// Chunking
	ChunkSize         int
	ChunkOverlap      int
	ChunkStrategy     string
	ChunkSimilarity   float64
	ChunkMinSentences int

	// Vector index
	IndexDir            string
	IndexBatchSize      int
	IndexReloadInterval time.Duration

	// Retrieval tuning; may be overlaid from RETRIEVAL_CONFIG
	Retrieval RetrievalConfig

	// Ingestion
	IngestBackend     string
	IngestWorkers     int
	IngestQueueSize   int
	IngestOrphanAfter time.Duration
	InboxDir          string
	FileStorageDir    string
	AllowedExtensions []string

	// Conversation state
	EntityStore     string
	EntityTTL       time.Duration
	HistoryMaxTurns int

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Rate limiting
	RateLimitWindow  int
	AskRateLimit     int
	DefaultRateLimit int

	// Caching
	FAQCacheTTL time.Duration

	// Telemetry
	OTELEndpoint string
	ServiceName  string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017/campus_assistant"),
		DBName:      getEnv("DB_NAME", "campus_assistant"),
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),
		MaxFileSize: getEnvInt64("MAX_FILE_SIZE", 52428800), // 50MB

		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gemini-2.0-flash"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 512),
		LLMTemperature: getEnvFloat64("LLM_TEMPERATURE", 0.2),
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 2),
		LLMRPM:         getEnvInt("LLM_RPM", 60),
		LLMTimeout:     getEnvDuration("LLM_TIMEOUT", 30*time.Second),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 5*time.Second),

		ChunkSize:         getEnvInt("CHUNK_SIZE", 1024),
		ChunkOverlap:      getEnvInt("CHUNK_OVERLAP", 128),
		ChunkStrategy:     getEnv("CHUNK_STRATEGY", ChunkStrategyWindow),
		ChunkSimilarity:   getEnvFloat64("CHUNK_SIMILARITY_THRESHOLD", 0.5),
		ChunkMinSentences: getEnvInt("CHUNK_MIN_SENTENCES", 2),

		IndexDir:            getEnv("INDEX_DIR", "./storage/index"),
		IndexBatchSize:      getEnvInt("INDEX_BATCH_SIZE", 32),
		IndexReloadInterval: getEnvDuration("INDEX_RELOAD_INTERVAL", time.Minute),

		Retrieval: RetrievalConfig{
			K:              getEnvInt("RETRIEVAL_K", 5),
			FinalK:         getEnvInt("RETRIEVAL_FINAL_K", 3),
			Window:         getEnvInt("RETRIEVAL_WINDOW", 1),
			Weights:        getEnvFloatList("ENSEMBLE_WEIGHTS", []float64{0.6, 0.4}),
			MMRLambda:      getEnvFloat64("MMR_LAMBDA", 0.5),
			MinRerankScore: getEnvFloat64("RERANK_MIN_SCORE", 0),
			FallbackKey:    getEnv("RETRIEVAL_FALLBACK_KEY", "K"),
		},

		IngestBackend:     getEnv("INGEST_BACKEND", IngestBackendLocal),
		IngestWorkers:     getEnvInt("INGEST_WORKERS", 2),
		IngestQueueSize:   getEnvInt("INGEST_QUEUE_SIZE", 16),
		IngestOrphanAfter: getEnvDuration("INGEST_ORPHAN_AFTER", 30*time.Minute),
		InboxDir:          getEnv("INBOX_DIR", ""),
		FileStorageDir:    getEnv("FILE_STORAGE_DIR", "./storage/documents"),
		AllowedExtensions: strings.Split(getEnv("ALLOWED_EXTENSIONS", ".pdf,.xlsx,.txt,.md"), ","),

		EntityStore:     getEnv("ENTITY_STORE", EntityStoreMemory),
		EntityTTL:       getEnvDuration("ENTITY_TTL", 24*time.Hour),
		HistoryMaxTurns: getEnvInt("HISTORY_MAX_TURNS", 10),

		// Redis Configuration
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RateLimitWindow:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		AskRateLimit:     getEnvInt("RATE_LIMIT_ASK", 5),
		DefaultRateLimit: getEnvInt("RATE_LIMIT_DEFAULT", 20),

		FAQCacheTTL: getEnvDuration("FAQ_CACHE_TTL", 24*time.Hour),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "campus-assistant"),
	}

	if path := getEnv("RETRIEVAL_CONFIG", ""); path != "" {
		if err := cfg.Retrieval.LoadOverlay(path); err != nil {
			return nil, fmt.Errorf("error loading retrieval config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)")
	}
	switch c.ChunkStrategy {
	case ChunkStrategyWindow, ChunkStrategySemantic:
	default:
		return fmt.Errorf("unknown CHUNK_STRATEGY %q", c.ChunkStrategy)
	}
	if c.ChunkSimilarity < -1 || c.ChunkSimilarity > 1 {
		return fmt.Errorf("CHUNK_SIMILARITY_THRESHOLD must be in [-1, 1]")
	}
	if c.IngestWorkers <= 0 || c.IngestQueueSize <= 0 {
		return fmt.Errorf("INGEST_WORKERS and INGEST_QUEUE_SIZE must be positive")
	}
	switch c.IngestBackend {
	case IngestBackendLocal, IngestBackendAsynq:
	default:
		return fmt.Errorf("unknown INGEST_BACKEND %q", c.IngestBackend)
	}
	switch c.EntityStore {
	case EntityStoreMemory, EntityStoreRedis:
	default:
		return fmt.Errorf("unknown ENTITY_STORE %q", c.EntityStore)
	}
	return c.Retrieval.Validate()
}
