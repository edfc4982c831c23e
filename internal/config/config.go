package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for AskGuard
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Admin     AdminConfig          `mapstructure:"admin"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Log       LogConfig            `mapstructure:"log"`
	Vector    VectorConfig         `mapstructure:"vector"`
	Cache     CacheConfig          `mapstructure:"cache"`
	LLM       LLMConfig            `mapstructure:"llm"`
	Retry     RetryConfig          `mapstructure:"retry"`
	Breaker   BreakerConfig        `mapstructure:"breaker"`
	Pipeline  PipelineConfig       `mapstructure:"pipeline"`
	Context   ContextConfig        `mapstructure:"context"`
	Privacy   PrivacyConfig        `mapstructure:"privacy"`
	Tokenizer TokenizerConfig      `mapstructure:"tokenizer"`
	Pricing   map[string]ModelRate `mapstructure:"pricing"`
	RateLimit RateLimitConfig      `mapstructure:"rate_limit"`
	Tracing   TracingConfig        `mapstructure:"tracing"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AdminConfig holds admin authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// VectorConfig selects and configures the vector index backend
type VectorConfig struct {
	Backend   string         `mapstructure:"backend"` // memory, sqlite, weaviate
	Dimension int            `mapstructure:"dimension"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Rerank    bool           `mapstructure:"rerank"`
	Weaviate  WeaviateConfig `mapstructure:"weaviate"`
}

// WeaviateConfig holds Weaviate connection settings
type WeaviateConfig struct {
	Host   string `mapstructure:"host"`
	Scheme string `mapstructure:"scheme"`
	APIKey string `mapstructure:"api_key"`
	Class  string `mapstructure:"class"`
}

// CacheConfig holds search result cache configuration
type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // memory, redis
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"` // openai, hash (embeddings only)
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	LLMModel       string        `mapstructure:"llm_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// RetryConfig holds backoff settings for provider calls
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         bool          `mapstructure:"jitter"`
}

// BreakerConfig holds circuit breaker settings shared by provider breakers
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// PipelineConfig holds query pipeline defaults
type PipelineConfig struct {
	Deadline         time.Duration `mapstructure:"deadline"`
	TopK             int           `mapstructure:"top_k"`
	ScoreThreshold   float64       `mapstructure:"score_threshold"`
	MaxContextTokens int           `mapstructure:"max_context_tokens"`
	IncludePrivate   bool          `mapstructure:"include_private"`
	HistoryTurns     int           `mapstructure:"history_turns"`
	FallbackMessage  string        `mapstructure:"fallback_message"`
	NoContextMessage string        `mapstructure:"no_context_message"`
	StreamBuffer     int           `mapstructure:"stream_buffer"`
}

// ContextConfig holds ranking and assembly settings
type ContextConfig struct {
	Strategy        string        `mapstructure:"strategy"` // similarity, recency, keyword, hybrid
	SimilarityW     float64       `mapstructure:"similarity_weight"`
	RecencyW        float64       `mapstructure:"recency_weight"`
	KeywordW        float64       `mapstructure:"keyword_weight"`
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life"`
	DedupThreshold  float64       `mapstructure:"dedup_threshold"`
}

// PrivacyConfig holds leak detection settings
type PrivacyConfig struct {
	MinShingleWords   int           `mapstructure:"min_shingle_words"`
	MinLeakChars      int           `mapstructure:"min_leak_chars"`
	MinIdentifierLen  int           `mapstructure:"min_identifier_len"`
	MinDistinctiveLen int           `mapstructure:"min_distinctive_len"`
	HeuristicRatio    float64       `mapstructure:"heuristic_ratio"`
	Placeholder       string        `mapstructure:"placeholder"`
	Budget            time.Duration `mapstructure:"budget"`
}

// TokenizerConfig selects the token counter
type TokenizerConfig struct {
	Encoding string `mapstructure:"encoding"` // empty for the heuristic estimator
}

// ModelRate is the USD price per 1K tokens of a model
type ModelRate struct {
	InputPer1K  float64 `mapstructure:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequestsPerHour int  `mapstructure:"requests_per_hour"`
	Burst           int  `mapstructure:"burst"`
}

// TracingConfig holds OTLP trace export settings. Tracing is off without an endpoint.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("ASKGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/askguard.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("vector.backend", "sqlite")
	v.SetDefault("vector.dimension", 1536)
	v.SetDefault("vector.timeout", 800*time.Millisecond)
	v.SetDefault("vector.rerank", true)
	v.SetDefault("vector.weaviate.host", "localhost:8081")
	v.SetDefault("vector.weaviate.scheme", "http")
	v.SetDefault("vector.weaviate.class", "KnowledgeChunk")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.key_prefix", "askguard:search:")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.embedding_model", "nomic-embed-text")
	v.SetDefault("llm.llm_model", "qwen2.5:7b")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.timeout", 2*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 100*time.Millisecond)
	v.SetDefault("retry.max_backoff", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", time.Minute)
	v.SetDefault("breaker.cooldown", 30*time.Second)

	v.SetDefault("pipeline.deadline", 2500*time.Millisecond)
	v.SetDefault("pipeline.top_k", 8)
	v.SetDefault("pipeline.score_threshold", 0.3)
	v.SetDefault("pipeline.max_context_tokens", 2000)
	v.SetDefault("pipeline.include_private", true)
	v.SetDefault("pipeline.history_turns", 4)
	v.SetDefault("pipeline.fallback_message", "Sorry, I can't answer that right now. Please try again in a moment.")
	v.SetDefault("pipeline.no_context_message", "I don't have information about that in my knowledge base.")
	v.SetDefault("pipeline.stream_buffer", 16)

	v.SetDefault("context.strategy", "hybrid")
	v.SetDefault("context.similarity_weight", 0.7)
	v.SetDefault("context.recency_weight", 0.1)
	v.SetDefault("context.keyword_weight", 0.2)
	v.SetDefault("context.recency_half_life", 30*24*time.Hour)
	v.SetDefault("context.dedup_threshold", 0.95)

	v.SetDefault("privacy.min_shingle_words", 3)
	v.SetDefault("privacy.min_leak_chars", 12)
	v.SetDefault("privacy.min_identifier_len", 4)
	v.SetDefault("privacy.min_distinctive_len", 10)
	v.SetDefault("privacy.heuristic_ratio", 0.3)
	v.SetDefault("privacy.placeholder", "[redacted]")
	v.SetDefault("privacy.budget", 100*time.Millisecond)

	v.SetDefault("tokenizer.encoding", "")

	v.SetDefault("pricing", map[string]any{
		"gpt-4o":      map[string]any{"input_per_1k": 0.0025, "output_per_1k": 0.01},
		"gpt-4o-mini": map[string]any{"input_per_1k": 0.00015, "output_per_1k": 0.0006},
	})

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_hour", 100)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "askguard")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate checks value ranges that would otherwise fail deep inside the pipeline
func (c *Config) Validate() error {
	if c.Pipeline.TopK < 1 || c.Pipeline.TopK > 50 {
		return fmt.Errorf("pipeline.top_k must be in [1, 50], got %d", c.Pipeline.TopK)
	}
	if c.Pipeline.ScoreThreshold < 0 || c.Pipeline.ScoreThreshold > 1 {
		return fmt.Errorf("pipeline.score_threshold must be in [0, 1], got %v", c.Pipeline.ScoreThreshold)
	}
	if c.Pipeline.MaxContextTokens <= 0 {
		return fmt.Errorf("pipeline.max_context_tokens must be positive")
	}
	if c.Pipeline.Deadline <= 0 {
		return fmt.Errorf("pipeline.deadline must be positive")
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Privacy.MinShingleWords < 2 {
		return fmt.Errorf("privacy.min_shingle_words must be at least 2")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1], got %v", c.Tracing.SampleRatio)
	}
	switch c.Context.Strategy {
	case "similarity", "recency", "keyword", "hybrid":
	default:
		return fmt.Errorf("unknown context.strategy %q", c.Context.Strategy)
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
