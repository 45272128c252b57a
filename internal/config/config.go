package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file applied before environment overrides.
const FileEnv = "MEMORYD_CONFIG"

const (
	VectorBackendChromem = "chromem"
	VectorBackendQdrant  = "qdrant"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`

	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	DBPoolSize  int    `yaml:"db_pool_size"`

	VectorMemoryEnabled bool   `yaml:"vector_memory_enabled"`
	VectorBackend       string `yaml:"vector_backend"`
	VectorDBPath        string `yaml:"vector_db_path"`
	VectorCollection    string `yaml:"vector_collection"`
	QdrantHost          string `yaml:"qdrant_host"`
	QdrantPort          int    `yaml:"qdrant_port"`
	MemoryEmbeddingDim  int    `yaml:"memory_embedding_dim"`

	LLMBaseURL           string        `yaml:"llm_base_url"`
	LLMAPIKey            string        `yaml:"llm_api_key"`
	LLMChatModel         string        `yaml:"llm_chat_model"`
	LLMCreativeModel     string        `yaml:"llm_creative_model"`
	LLMUtilityModel      string        `yaml:"llm_utility_model"`
	LLMEmbeddingModel    string        `yaml:"llm_embedding_model"`
	LLMTimeout           time.Duration `yaml:"llm_timeout"`
	LLMMaxResponseTokens int           `yaml:"llm_max_response_tokens"`

	MaxPromptTokens       int           `yaml:"max_prompt_tokens"`
	SemanticSearchK       int           `yaml:"semantic_search_k"`
	SummaryThreshold      int           `yaml:"summary_threshold"`
	SummaryTimeout        time.Duration `yaml:"summary_timeout"`
	HistoryFetchLimit     int           `yaml:"history_fetch_limit"`
	UserRateLimit         time.Duration `yaml:"user_rate_limit"`
	WorkerPoolSize        int           `yaml:"worker_pool_size"`
	EmbeddingCacheMaxCost int64         `yaml:"embedding_cache_max_cost"`
	TokenizerEncoding     string        `yaml:"tokenizer_encoding"`
	ConversationIdleTTL   time.Duration `yaml:"conversation_idle_ttl"`

	LogUserChatMessages bool   `yaml:"log_user_chat_messages"`
	TranscriptDir       string `yaml:"transcript_dir"`
}

func Default() Config {
	return Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "memoryd",
		LogLevel:         "info",
		LogFormat:        "console",

		SQLitePath: "data/database/conversation_history.db",
		DBPoolSize: 10,

		VectorMemoryEnabled: true,
		VectorBackend:       VectorBackendChromem,
		VectorDBPath:        "data/database/vector_memory",
		VectorCollection:    "memory_collection",
		QdrantHost:          "localhost",
		QdrantPort:          6334,
		MemoryEmbeddingDim:  384,

		LLMBaseURL:           "http://localhost:1234/v1",
		LLMAPIKey:            "lm-studio",
		LLMEmbeddingModel:    "text-embedding-all-minilm-l6-v2",
		LLMTimeout:           300 * time.Second,
		LLMMaxResponseTokens: 1024,

		MaxPromptTokens:       3072,
		SemanticSearchK:       3,
		SummaryThreshold:      10,
		SummaryTimeout:        5 * time.Minute,
		HistoryFetchLimit:     50,
		UserRateLimit:         time.Second,
		WorkerPoolSize:        4,
		EmbeddingCacheMaxCost: 1 << 24,
		TokenizerEncoding:     "cl100k_base",
		ConversationIdleTTL:   24 * time.Hour,

		TranscriptDir: "data/logs/user_logs",
	}
}

// Load applies defaults, then the YAML file named by MEMORYD_CONFIG (if any), then
// environment variables, and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.VectorBackend = strings.ToLower(envOrDefault("VECTOR_BACKEND", cfg.VectorBackend))
	cfg.VectorDBPath = envOrDefault("VECTOR_DB_PATH", cfg.VectorDBPath)
	cfg.VectorCollection = envOrDefault("VECTOR_COLLECTION", cfg.VectorCollection)
	cfg.QdrantHost = envOrDefault("QDRANT_HOST", cfg.QdrantHost)
	cfg.LLMBaseURL = envOrDefault("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMAPIKey = envOrDefault("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMChatModel = envOrDefault("LLM_CHAT_MODEL", cfg.LLMChatModel)
	cfg.LLMCreativeModel = envOrDefault("LLM_CREATIVE_MODEL", cfg.LLMCreativeModel)
	cfg.LLMUtilityModel = envOrDefault("LLM_UTILITY_MODEL", cfg.LLMUtilityModel)
	cfg.LLMEmbeddingModel = envOrDefault("LLM_EMBEDDING_MODEL", cfg.LLMEmbeddingModel)
	cfg.TokenizerEncoding = envOrDefault("TOKENIZER_ENCODING", cfg.TokenizerEncoding)
	cfg.TranscriptDir = envOrDefault("TRANSCRIPT_DIR", cfg.TranscriptDir)

	steps := []func() error{
		func() (err error) {
			cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
			return
		},
		func() (err error) { cfg.DBPoolSize, err = intFromEnv("DB_POOL_SIZE", cfg.DBPoolSize); return },
		func() (err error) {
			cfg.VectorMemoryEnabled, err = boolFromEnv("VECTOR_MEMORY_ENABLED", cfg.VectorMemoryEnabled)
			return
		},
		func() (err error) { cfg.QdrantPort, err = intFromEnv("QDRANT_PORT", cfg.QdrantPort); return },
		func() (err error) {
			cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim)
			return
		},
		func() (err error) { cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); return },
		func() (err error) {
			cfg.LLMMaxResponseTokens, err = intFromEnv("LLM_MAX_RESPONSE_TOKENS", cfg.LLMMaxResponseTokens)
			return
		},
		func() (err error) { cfg.MaxPromptTokens, err = intFromEnv("MAX_PROMPT_TOKENS", cfg.MaxPromptTokens); return },
		func() (err error) { cfg.SemanticSearchK, err = intFromEnv("SEMANTIC_SEARCH_K", cfg.SemanticSearchK); return },
		func() (err error) { cfg.SummaryThreshold, err = intFromEnv("SUMMARY_THRESHOLD", cfg.SummaryThreshold); return },
		func() (err error) {
			cfg.SummaryTimeout, err = durationFromEnv("SUMMARY_TIMEOUT", cfg.SummaryTimeout)
			return
		},
		func() (err error) {
			cfg.HistoryFetchLimit, err = intFromEnv("HISTORY_FETCH_LIMIT", cfg.HistoryFetchLimit)
			return
		},
		func() (err error) {
			cfg.UserRateLimit, err = durationFromEnv("USER_RATE_LIMIT", cfg.UserRateLimit)
			return
		},
		func() (err error) { cfg.WorkerPoolSize, err = intFromEnv("WORKER_POOL_SIZE", cfg.WorkerPoolSize); return },
		func() (err error) {
			cfg.EmbeddingCacheMaxCost, err = int64FromEnv("EMBEDDING_CACHE_MAX_COST", cfg.EmbeddingCacheMaxCost)
			return
		},
		func() (err error) {
			cfg.ConversationIdleTTL, err = durationFromEnv("CONVERSATION_IDLE_TTL", cfg.ConversationIdleTTL)
			return
		},
		func() (err error) {
			cfg.LogUserChatMessages, err = boolFromEnv("LOG_USER_CHAT_MESSAGES", cfg.LogUserChatMessages)
			return
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.DBPoolSize <= 0:
		return errors.New("DB_POOL_SIZE must be positive")
	case c.SummaryThreshold <= 0:
		return errors.New("SUMMARY_THRESHOLD must be positive")
	case c.SemanticSearchK <= 0:
		return errors.New("SEMANTIC_SEARCH_K must be positive")
	case c.MaxPromptTokens <= 0:
		return errors.New("MAX_PROMPT_TOKENS must be positive")
	case c.WorkerPoolSize <= 0:
		return errors.New("WORKER_POOL_SIZE must be positive")
	case c.HistoryFetchLimit <= 0:
		return errors.New("HISTORY_FETCH_LIMIT must be positive")
	case c.UserRateLimit < 0:
		return errors.New("USER_RATE_LIMIT must be >= 0")
	case c.MemoryEmbeddingDim <= 0:
		return errors.New("MEMORY_EMBEDDING_DIM must be positive")
	case c.EmbeddingCacheMaxCost < 0:
		return errors.New("EMBEDDING_CACHE_MAX_COST must be >= 0")
	}
	switch c.VectorBackend {
	case VectorBackendChromem, VectorBackendQdrant:
	default:
		return errors.Errorf("VECTOR_BACKEND must be %q or %q, got %q", VectorBackendChromem, VectorBackendQdrant, c.VectorBackend)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s parse error", key)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s parse error", key)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s parse error", key)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, errors.Errorf("%s parse error: expected bool", key)
	}
}
