package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Exit codes returned by cmd/api.
const (
	ExitOK             = 0
	ExitConfigInvalid  = 1
	ExitMigration      = 2
	ExitLLMUnreachable = 3 // soft: documented but the server logs and retries instead of exiting
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	LLM       LLMConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
	Chat      ChatConfig
	Storage   StorageConfig
	Admin     AdminConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint string
}

type LLMConfig struct {
	BaseURL          string
	Model            string
	APIKey           string
	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingDim     int
	Concurrency      int
	TimeoutSec       int
	Temperature      float32
	MaxTokens        int
}

type IngestConfig struct {
	WorkerConcurrency int
	ChunkSize         int
	ChunkOverlap      int
	MaxDocumentBytes  int64
	StageTimeoutMin   int
	StageRetries      int
}

type RetrievalConfig struct {
	TopK             int
	ScoreThreshold   float64
	MaxHops          int
	MaxGraphNodes    int
	EdgeThreshold    float64
	TokenBudget      int
	VectorTimeoutSec int
	GraphTimeoutSec  int
}

type ChatConfig struct {
	SessionTTLMin   int
	HistoryTurns    int
	MaxMessageLen   int
	RateLimitPerMin int
}

type StorageConfig struct {
	Root string
}

type AdminConfig struct {
	BootstrapEmail        string
	BootstrapPasswordHash string
	APIToken              string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/graphrag")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvs()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// bindEnvs maps the documented flat environment variables onto the
// nested config keys.
func bindEnvs() {
	viper.BindEnv("llm.baseURL", "LLM_BASE_URL")
	viper.BindEnv("llm.model", "LLM_MODEL")
	viper.BindEnv("llm.apiKey", "LLM_API_KEY")
	viper.BindEnv("llm.embeddingBaseURL", "EMBEDDING_BASE_URL")
	viper.BindEnv("llm.embeddingModel", "EMBEDDING_MODEL")
	viper.BindEnv("llm.embeddingDim", "EMBEDDING_DIM")
	viper.BindEnv("llm.concurrency", "LLM_CONCURRENCY")
	viper.BindEnv("ingest.workerConcurrency", "WORKER_CONCURRENCY")
	viper.BindEnv("ingest.maxDocumentBytes", "MAX_DOCUMENT_BYTES")
	viper.BindEnv("retrieval.topK", "TOP_K")
	viper.BindEnv("retrieval.scoreThreshold", "VECTOR_SCORE_THRESHOLD")
	viper.BindEnv("retrieval.maxHops", "MAX_HOPS")
	viper.BindEnv("retrieval.tokenBudget", "CONTEXT_TOKEN_BUDGET")
	viper.BindEnv("chat.sessionTTLMin", "SESSION_TTL_MIN")
	viper.BindEnv("chat.historyTurns", "HISTORY_TURNS")
	viper.BindEnv("admin.bootstrapEmail", "ADMIN_BOOTSTRAP_EMAIL")
	viper.BindEnv("admin.bootstrapPasswordHash", "ADMIN_BOOTSTRAP_PASSWORD_HASH")
	viper.BindEnv("admin.apiToken", "ADMIN_API_TOKEN")
	viper.BindEnv("storage.root", "STORAGE_ROOT")
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 300)
	viper.SetDefault("server.bodyLimit", 104857600+1048576)

	viper.SetDefault("sqlite.path", "./data/graphrag.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")

	viper.SetDefault("llm.baseURL", "http://localhost:8000/v1")
	viper.SetDefault("llm.model", "qwen2.5-14b-instruct")
	viper.SetDefault("llm.apiKey", "local")
	viper.SetDefault("llm.embeddingBaseURL", "http://localhost:8001/v1")
	viper.SetDefault("llm.embeddingModel", "bge-m3")
	viper.SetDefault("llm.embeddingDim", 1024)
	viper.SetDefault("llm.concurrency", 2)
	viper.SetDefault("llm.timeoutSec", 120)
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)

	viper.SetDefault("ingest.workerConcurrency", 3)
	viper.SetDefault("ingest.chunkSize", 1000)
	viper.SetDefault("ingest.chunkOverlap", 200)
	viper.SetDefault("ingest.maxDocumentBytes", 104857600)
	viper.SetDefault("ingest.stageTimeoutMin", 15)
	viper.SetDefault("ingest.stageRetries", 3)

	viper.SetDefault("retrieval.topK", 8)
	viper.SetDefault("retrieval.scoreThreshold", 0.7)
	viper.SetDefault("retrieval.maxHops", 2)
	viper.SetDefault("retrieval.maxGraphNodes", 20)
	viper.SetDefault("retrieval.edgeThreshold", 0.7)
	viper.SetDefault("retrieval.tokenBudget", 3000)
	viper.SetDefault("retrieval.vectorTimeoutSec", 5)
	viper.SetDefault("retrieval.graphTimeoutSec", 10)

	viper.SetDefault("chat.sessionTTLMin", 30)
	viper.SetDefault("chat.historyTurns", 10)
	viper.SetDefault("chat.maxMessageLen", 10000)
	viper.SetDefault("chat.rateLimitPerMin", 60)

	viper.SetDefault("storage.root", "./data/uploads")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}

// weakHashes are password hashes of well-known throwaway passwords.
// Startup refuses to create an administrator from any of them.
var weakHashes = map[string]bool{
	"": true,
	"$2b$12$LJ3m4yzyJyhK7S2fBZBXh.9yyQXW8hPqzLdKMxVXG9ZsO3WqYEP2W": true, // "admin123" from the legacy seed script
}

func (c *Config) Validate() error {
	if c.Admin.BootstrapEmail == "" {
		return fmt.Errorf("ADMIN_BOOTSTRAP_EMAIL is required")
	}
	hash := c.Admin.BootstrapPasswordHash
	if weakHashes[hash] {
		return fmt.Errorf("ADMIN_BOOTSTRAP_PASSWORD_HASH is missing or a known default; refusing to boot")
	}
	if !strings.HasPrefix(hash, "$2") {
		return fmt.Errorf("ADMIN_BOOTSTRAP_PASSWORD_HASH must be a bcrypt hash")
	}
	if c.Admin.APIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if c.LLM.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if c.Ingest.MaxDocumentBytes <= 0 {
		return fmt.Errorf("MAX_DOCUMENT_BYTES must be positive")
	}
	return nil
}
