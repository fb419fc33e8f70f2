// Package config provides unified configuration loading for Planning Explorer.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Planning Explorer core.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Cache         CacheConfig         `yaml:"cache"`
	Redis         RedisConfig         `yaml:"redis"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	AI            AIConfig            `yaml:"ai"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Bulk          BulkConfig          `yaml:"bulk"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ElasticsearchConfig holds cluster connection settings.
type ElasticsearchConfig struct {
	Node                 string        `yaml:"node"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	Index                string        `yaml:"index"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxConnsPerHost      int           `yaml:"max_conns_per_host"`
	HealthInterval       time.Duration `yaml:"health_interval"`
}

// CacheConfig holds in-process cache settings.
type CacheConfig struct {
	MaxMemoryMB          int           `yaml:"max_memory_mb"`
	CompressionThreshold int           `yaml:"compression_threshold_bytes"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// RedisConfig holds the optional Redis store used for learned portal
// patterns and cached enrichment results.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LLMConfig holds provider credentials and limits.
type LLMConfig struct {
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	DefaultModel    string        `yaml:"default_model"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	TokenBudget     int64         `yaml:"token_budget"`
	PromptCache     bool          `yaml:"prompt_cache"`
}

// EmbeddingConfig holds embedding model settings.
type EmbeddingConfig struct {
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// AIConfig holds per-capability timeouts and orchestrator limits.
type AIConfig struct {
	OpportunityTimeout   time.Duration `yaml:"opportunity_scoring_timeout"`
	SummarizationTimeout time.Duration `yaml:"summarization_timeout"`
	EmbeddingTimeout     time.Duration `yaml:"embedding_timeout"`
	MaxConcurrent        int           `yaml:"max_concurrent"`
	ProcessingVersion    string        `yaml:"processing_version"`
}

// TasksConfig holds background processor settings.
type TasksConfig struct {
	MaxWorkers         int           `yaml:"max_workers"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	MaxRetries         int           `yaml:"max_retries"`
	MaxAge             time.Duration `yaml:"max_age"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// PipelineConfig holds continuous embedding pipeline settings.
type PipelineConfig struct {
	ScheduleInterval  time.Duration `yaml:"schedule_interval"`
	BatchSize         int           `yaml:"batch_size"`
	DailyCostLimitUSD float64       `yaml:"daily_cost_limit_usd"`
	RateLimitDelay    time.Duration `yaml:"rate_limit_delay"`
	CriticalAge       time.Duration `yaml:"critical_age"`
	HighPriorityAge   time.Duration `yaml:"high_priority_age"`
	LowPriorityCap    int           `yaml:"low_priority_cap"`
	FailureThreshold  int           `yaml:"failure_threshold"`
}

// BulkConfig holds bulk embedding generator settings.
type BulkConfig struct {
	ESBatchSize       int    `yaml:"es_batch_size"`
	APIBatchSize      int    `yaml:"api_batch_size"`
	ConcurrentBatches int    `yaml:"concurrent_batches"`
	CheckpointEvery   int    `yaml:"checkpoint_every"`
	CheckpointDir     string `yaml:"checkpoint_dir"`
	MaxDocuments      int    `yaml:"max_documents"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Elasticsearch: ElasticsearchConfig{
			Node:                 "http://localhost:9200",
			Index:                "planning_applications",
			RequestTimeout:       60 * time.Second,
			MaxRetries:           3,
			MaxReconnectAttempts: 3,
			MaxConnsPerHost:      10,
			HealthInterval:       5 * time.Minute,
		},
		Cache: CacheConfig{
			MaxMemoryMB:          512,
			CompressionThreshold: 100 * 1024,
			CleanupInterval:      10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		LLM: LLMConfig{
			DefaultModel:   "gpt-4o-mini",
			RequestTimeout: 60 * time.Second,
			PromptCache:    true,
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			BatchSize:  500,
			Timeout:    15 * time.Second,
		},
		AI: AIConfig{
			OpportunityTimeout:   30 * time.Second,
			SummarizationTimeout: 45 * time.Second,
			EmbeddingTimeout:     15 * time.Second,
			MaxConcurrent:        10,
			ProcessingVersion:    "1.0.0",
		},
		Tasks: TasksConfig{
			MaxWorkers:         5,
			MaxConcurrentTasks: 50,
			MaxRetries:         3,
			MaxAge:             24 * time.Hour,
			CleanupInterval:    time.Hour,
		},
		Pipeline: PipelineConfig{
			ScheduleInterval:  60 * time.Minute,
			BatchSize:         100,
			DailyCostLimitUSD: 10.0,
			RateLimitDelay:    500 * time.Millisecond,
			CriticalAge:       24 * time.Hour,
			HighPriorityAge:   7 * 24 * time.Hour,
			LowPriorityCap:    500,
			FailureThreshold:  5,
		},
		Bulk: BulkConfig{
			ESBatchSize:       1000,
			APIBatchSize:      500,
			ConcurrentBatches: 5,
			CheckpointEvery:   10,
			CheckpointDir:     ".",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "planning-explorer",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Elasticsearch.Node == "" {
		return fmt.Errorf("elasticsearch node is required")
	}
	if c.Elasticsearch.Index == "" {
		return fmt.Errorf("elasticsearch index is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 2048 {
		return fmt.Errorf("embedding batch size must be between 1 and 2048")
	}
	if c.Bulk.APIBatchSize < 1 || c.Bulk.APIBatchSize > 2048 {
		return fmt.Errorf("api batch size must be between 1 and 2048")
	}
	if c.Tasks.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if c.Pipeline.DailyCostLimitUSD < 0 {
		return fmt.Errorf("daily cost limit must not be negative")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	setString(&cfg.Elasticsearch.Node, "ELASTICSEARCH_NODE")
	setString(&cfg.Elasticsearch.Username, "ELASTICSEARCH_USERNAME")
	setString(&cfg.Elasticsearch.Password, "ELASTICSEARCH_PASSWORD")
	setString(&cfg.Elasticsearch.Index, "ELASTICSEARCH_INDEX")
	setDuration(&cfg.Elasticsearch.RequestTimeout, "ELASTICSEARCH_TIMEOUT")
	setInt(&cfg.Elasticsearch.MaxRetries, "ELASTICSEARCH_MAX_RETRIES")

	setString(&cfg.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.LLM.DefaultModel, "LLM_DEFAULT_MODEL")

	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimensions, "EMBEDDING_DIMENSIONS")

	setDuration(&cfg.AI.OpportunityTimeout, "OPPORTUNITY_SCORING_TIMEOUT_MS")
	setDuration(&cfg.AI.SummarizationTimeout, "SUMMARIZATION_TIMEOUT_MS")
	setDuration(&cfg.AI.EmbeddingTimeout, "EMBEDDING_TIMEOUT_MS")

	setInt(&cfg.Tasks.MaxWorkers, "MAX_WORKERS")
	setInt(&cfg.Tasks.MaxConcurrentTasks, "MAX_CONCURRENT_TASKS")

	setDurationMinutes(&cfg.Pipeline.ScheduleInterval, "SCHEDULE_INTERVAL_MINUTES")
	setInt(&cfg.Pipeline.BatchSize, "BATCH_SIZE")
	setFloat(&cfg.Pipeline.DailyCostLimitUSD, "DAILY_COST_LIMIT_USD")
	setDurationHours(&cfg.Pipeline.CriticalAge, "CRITICAL_AGE_HOURS")
	setDurationDays(&cfg.Pipeline.HighPriorityAge, "HIGH_PRIORITY_AGE_DAYS")

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = trimScheme(v)
	}

	setString(&cfg.Observability.LogLevel, "LOG_LEVEL")
	setString(&cfg.Observability.LogFormat, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setDuration accepts either a Go duration string or a bare millisecond count.
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func setDurationMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

func setDurationHours(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Hour
		}
	}
}

func setDurationDays(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * 24 * time.Hour
		}
	}
}

func trimScheme(addr string) string {
	for _, prefix := range []string{"redis://", "rediss://"} {
		if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
			return addr[len(prefix):]
		}
	}
	return addr
}
