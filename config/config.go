package config

import (
	"os"
	"strconv"
	"time"

	"opskb/types"
)

// Config is built once in main and handed to the components that need it.
// No package-level state: everything the pipeline reads is in here.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Storage  StorageConfig
	Parser   ParserConfig
	Splitter SplitterConfig
	Embedder EmbedderConfig
	Retrieve RetrieverConfig
	Rerank   RerankConfig
	QA       QAConfig
	LLM      LLMConfig
}

type ServerConfig struct {
	ListenAddr string
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

func (c PostgresConfig) ConnString() string {
	return "host=" + c.Host + " port=" + strconv.Itoa(c.Port) +
		" user=" + c.User + " password=" + c.Password +
		" dbname=" + c.DBName + " sslmode=disable"
}

type StorageConfig struct {
	DocumentDir string
}

type ParserConfig struct {
	PDFConverterURL string // markdown conversion service, empty disables PDF support
	PDFCropTop      float64
	PDFCropBottom   float64
	Timeout         time.Duration
}

type SplitterConfig struct {
	ChunkSize    int
	ChunkOverlap int
	ByTokens     bool // length unit: model tokens instead of runes
}

type EmbedderConfig struct {
	Provider   string // "openai" or "ollama"
	APIBase    string
	APIKey     string
	Model      string
	Dimension  int
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

type RetrieverConfig struct {
	UseHybridSearch  bool // RRF fusion vs. score-threshold mode
	RRFRankConstant  int
	VectorWeight     float64
	TextWeight       float64
	TextSearchConfig string // preferred Postgres text search config
	ScoreThreshold   float64
}

type RerankConfig struct {
	Enabled  bool
	Provider string // "http" or "dashscope"
	URL      string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type QAConfig struct {
	TopKRetrieve     int
	TopKRerank       int
	ContextMaxTokens int
}

type LLMConfig struct {
	Provider string // "ollama" or "openai"
	URL      string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// FromEnv reads the environment (godotenv is loaded by main) and applies
// the defaults the pipeline was tuned with.
func FromEnv() *Config {
	pgPort, _ := strconv.Atoi(getEnv("PG_PORT", "5432"))

	return &Config{
		Server: ServerConfig{
			ListenAddr: getEnv("SERVER_ADDR", ":8080"),
		},
		Postgres: PostgresConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     pgPort,
			User:     getEnv("PG_USER", "postgres"),
			Password: getEnv("PG_PASS", "postgres"),
			DBName:   getEnv("PG_DB_NAME", "opskb"),
		},
		Storage: StorageConfig{
			DocumentDir: getEnv("DOCUMENT_DIR", "./data/documents"),
		},
		Parser: ParserConfig{
			PDFConverterURL: getEnv("PDF_CONVERTER_URL", "http://localhost:5001/v1/convert/file"),
			PDFCropTop:      getEnvFloat("PDF_CROP_TOP", 0),
			PDFCropBottom:   getEnvFloat("PDF_CROP_BOTTOM", 0),
			Timeout:         getEnvDuration("PDF_CONVERT_TIMEOUT", 5*time.Minute),
		},
		Splitter: SplitterConfig{
			ChunkSize:    getEnvInt("CHUNK_SIZE", 500),
			ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 50),
			ByTokens:     getEnvBool("SPLIT_BY_TOKENS", false),
		},
		Embedder: EmbedderConfig{
			Provider:   getEnv("EMBEDDING_PROVIDER", "ollama"),
			APIBase:    getEnv("EMBEDDING_API_BASE", "http://localhost:11434/api/embeddings"),
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
			Dimension:  getEnvInt("EMBEDDING_DIMENSION", 768),
			BatchSize:  getEnvInt("EMBEDDING_BATCH_SIZE", 32),
			MaxRetries: getEnvInt("EMBEDDING_MAX_RETRIES", 3),
			RetryDelay: getEnvDuration("EMBEDDING_RETRY_DELAY", time.Second),
			Timeout:    getEnvDuration("EMBEDDING_TIMEOUT", 60*time.Second),
		},
		Retrieve: RetrieverConfig{
			UseHybridSearch:  getEnvBool("USE_HYBRID_SEARCH", true),
			RRFRankConstant:  getEnvInt("RRF_RANK_CONSTANT", 60),
			VectorWeight:     getEnvFloat("VECTOR_WEIGHT", 0.7),
			TextWeight:       getEnvFloat("TEXT_WEIGHT", 0.3),
			TextSearchConfig: getEnv("TEXT_SEARCH_CONFIG", "english"),
			ScoreThreshold:   getEnvFloat("SCORE_THRESHOLD", 0.5),
		},
		Rerank: RerankConfig{
			Enabled:  getEnvBool("RERANK_ENABLED", true),
			Provider: getEnv("RERANK_PROVIDER", "http"),
			URL:      getEnv("RERANK_URL", "http://localhost:8082/rerank"),
			APIKey:   os.Getenv("RERANK_API_KEY"),
			Model:    getEnv("RERANK_MODEL", "gte-rerank"),
			Timeout:  getEnvDuration("RERANK_TIMEOUT", 60*time.Second),
		},
		QA: QAConfig{
			TopKRetrieve:     getEnvInt("QA_TOP_K_RETRIEVE", 20),
			TopKRerank:       getEnvInt("QA_TOP_K_RERANK", 5),
			ContextMaxTokens: getEnvInt("QA_CONTEXT_MAX_TOKENS", 4000),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", "ollama"),
			URL:      getEnv("LLM_URL", "http://localhost:11434/api/generate"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    getEnv("LLM_MODEL", "qwen2.5"),
			Timeout:  getEnvDuration("LLM_TIMEOUT", 120*time.Second),
		},
	}
}

// Validate fails fast on structurally invalid settings, before any
// document is touched.
func (c *Config) Validate() error {
	if c.Splitter.ChunkSize <= 0 {
		return &types.ConfigurationError{Field: "CHUNK_SIZE", Reason: "must be positive"}
	}
	if c.Splitter.ChunkOverlap < 0 || c.Splitter.ChunkOverlap >= c.Splitter.ChunkSize {
		return &types.ConfigurationError{
			Field:  "CHUNK_OVERLAP",
			Reason: "must be non-negative and strictly less than CHUNK_SIZE",
		}
	}
	if c.Embedder.Dimension <= 0 {
		return &types.ConfigurationError{Field: "EMBEDDING_DIMENSION", Reason: "must be positive"}
	}
	if c.Embedder.BatchSize <= 0 {
		return &types.ConfigurationError{Field: "EMBEDDING_BATCH_SIZE", Reason: "must be positive"}
	}
	if c.QA.TopKRetrieve < c.QA.TopKRerank {
		return &types.ConfigurationError{
			Field:  "QA_TOP_K_RETRIEVE",
			Reason: "must be at least QA_TOP_K_RERANK",
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
