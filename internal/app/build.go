package app

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/memoryd/internal/config"
	"github.com/antoniostano/memoryd/internal/engine"
	"github.com/antoniostano/memoryd/internal/httpapi"
	"github.com/antoniostano/memoryd/internal/llm"
	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/observability"
	"github.com/antoniostano/memoryd/internal/tokens"
	"github.com/antoniostano/memoryd/internal/transcript"
	"github.com/antoniostano/memoryd/internal/workpool"
)

type BuildResult struct {
	Config  config.Config
	Engine  *engine.Engine
	API     *httpapi.Server
	LLM     *llm.Client
	Metrics *observability.Metrics
	Vector  VectorInfo

	// Cleanup waits for background summarization (bounded by ctx) and releases
	// both stores.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Options{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Pool: memory.PoolOptions{
			Capacity: cfg.DBPoolSize,
			OnWait:   metrics.ObservePoolWait,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "memory store init failed")
	}

	client := llm.NewClient(LLMConfig(cfg), logger)

	counter, err := tokens.New(cfg.TokenizerEncoding)
	if err != nil {
		logger.Warn().Err(err).Str("encoding", cfg.TokenizerEncoding).Msg("tokenizer unavailable, using character heuristic")
	}

	workers := workpool.New(cfg.WorkerPoolSize)
	vectors, info, closeVectors := resolveVectorMemory(ctx, cfg, client, workers, logger)

	var transcripts *transcript.Logger
	if cfg.LogUserChatMessages {
		transcripts = transcript.NewLogger(cfg.TranscriptDir, logger)
	}

	eng, err := engine.New(engine.Config{
		SummaryThreshold: cfg.SummaryThreshold,
		SummaryTimeout:   cfg.SummaryTimeout,
		MaxPromptTokens:  cfg.MaxPromptTokens,
		SearchK:          cfg.SemanticSearchK,
		HistoryLimit:     cfg.HistoryFetchLimit,
		RateInterval:     cfg.UserRateLimit,
		IdleTTL:          cfg.ConversationIdleTTL,
	}, engine.Deps{
		Store:      store,
		Vectors:    vectors,
		Completer:  client,
		Counter:    counter,
		Workers:    workers,
		Metrics:    metrics,
		Transcript: transcripts,
		Logger:     logger,
	})
	if err != nil {
		closeVectors()
		_ = vectors.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "engine init failed")
	}

	api := httpapi.New(eng, client, metrics, logger)

	cleanup := func(ctx context.Context) error {
		err := eng.Close(ctx)
		closeVectors()
		return err
	}

	return &BuildResult{
		Config:  cfg,
		Engine:  eng,
		API:     api,
		LLM:     client,
		Metrics: metrics,
		Vector:  info,
		Cleanup: cleanup,
	}, nil
}

// LLMConfig maps service settings onto the completion client. Task types without
// a model fall back to the chat model inside the client.
func LLMConfig(cfg config.Config) llm.Config {
	tasks := map[llm.TaskType]llm.TaskParams{}
	for task, model := range map[llm.TaskType]string{
		llm.TaskChat:     cfg.LLMChatModel,
		llm.TaskCreative: cfg.LLMCreativeModel,
		llm.TaskUtility:  cfg.LLMUtilityModel,
	} {
		if model = strings.TrimSpace(model); model != "" {
			tasks[task] = llm.TaskParams{Model: model, Temperature: llm.DefaultTemperatures[task]}
		}
	}
	return llm.Config{
		BaseURL:           cfg.LLMBaseURL,
		APIKey:            cfg.LLMAPIKey,
		Tasks:             tasks,
		EmbeddingModel:    cfg.LLMEmbeddingModel,
		Timeout:           cfg.LLMTimeout,
		MaxResponseTokens: cfg.LLMMaxResponseTokens,
	}
}
