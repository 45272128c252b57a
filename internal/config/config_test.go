package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	FileEnv,
	"APP_BIND_ADDR", "APP_SHUTDOWN_TIMEOUT", "APP_METRICS_NAMESPACE", "LOG_LEVEL", "LOG_FORMAT",
	"DATABASE_URL", "SQLITE_PATH", "DB_POOL_SIZE",
	"VECTOR_MEMORY_ENABLED", "VECTOR_BACKEND", "VECTOR_DB_PATH", "VECTOR_COLLECTION",
	"QDRANT_HOST", "QDRANT_PORT", "MEMORY_EMBEDDING_DIM",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_CHAT_MODEL", "LLM_CREATIVE_MODEL", "LLM_UTILITY_MODEL",
	"LLM_EMBEDDING_MODEL", "LLM_TIMEOUT", "LLM_MAX_RESPONSE_TOKENS",
	"MAX_PROMPT_TOKENS", "SEMANTIC_SEARCH_K", "SUMMARY_THRESHOLD", "SUMMARY_TIMEOUT",
	"HISTORY_FETCH_LIMIT", "USER_RATE_LIMIT", "WORKER_POOL_SIZE", "EMBEDDING_CACHE_MAX_COST",
	"TOKENIZER_ENCODING", "CONVERSATION_IDLE_TTL", "LOG_USER_CHAT_MESSAGES", "TRANSCRIPT_DIR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 10, cfg.SummaryThreshold)
	assert.Equal(t, 3, cfg.SemanticSearchK)
	assert.Equal(t, 3072, cfg.MaxPromptTokens)
	assert.Equal(t, time.Second, cfg.UserRateLimit)
	assert.Equal(t, VectorBackendChromem, cfg.VectorBackend)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("SUMMARY_THRESHOLD", "4")
	t.Setenv("USER_RATE_LIMIT", "250ms")
	t.Setenv("VECTOR_MEMORY_ENABLED", "off")
	t.Setenv("VECTOR_BACKEND", "QDRANT")
	t.Setenv("EMBEDDING_CACHE_MAX_COST", "1024")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.BindAddr)
	assert.Equal(t, 4, cfg.SummaryThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.UserRateLimit)
	assert.False(t, cfg.VectorMemoryEnabled)
	assert.Equal(t, VectorBackendQdrant, cfg.VectorBackend)
	assert.Equal(t, int64(1024), cfg.EmbeddingCacheMaxCost)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "memoryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
summary_threshold: 6
semantic_search_k: 5
summary_timeout: 90s
llm_chat_model: local-chat
log_user_chat_messages: true
`), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("SEMANTIC_SEARCH_K", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.SummaryThreshold)
	assert.Equal(t, 2, cfg.SemanticSearchK, "env wins over the file")
	assert.Equal(t, 90*time.Second, cfg.SummaryTimeout)
	assert.Equal(t, "local-chat", cfg.LLMChatModel)
	assert.True(t, cfg.LogUserChatMessages)
	assert.Equal(t, 10, cfg.DBPoolSize, "unset keys keep defaults")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DB_POOL_SIZE":          "0",
		"SUMMARY_THRESHOLD":     "-1",
		"SEMANTIC_SEARCH_K":     "0",
		"USER_RATE_LIMIT":       "-1s",
		"VECTOR_BACKEND":        "pinecone",
		"VECTOR_MEMORY_ENABLED": "maybe",
		"LLM_TIMEOUT":           "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
}
