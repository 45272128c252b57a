package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/antoniostano/memoryd/internal/config"
	"github.com/antoniostano/memoryd/internal/llm"
	"github.com/antoniostano/memoryd/internal/vector"
	"github.com/antoniostano/memoryd/internal/workpool"
)

type VectorInfo struct {
	Enabled bool
	Backend string
	Detail  string
}

// resolveVectorMemory opens the configured vector backend. Semantic memory is an
// enhancement, so any failure degrades to a disabled memory instead of aborting
// startup. The returned func releases the embedding cache.
func resolveVectorMemory(ctx context.Context, cfg config.Config, embedder llm.Embedder, workers *workpool.Pool, logger zerolog.Logger) (*vector.Memory, VectorInfo, func()) {
	noop := func() {}
	if !cfg.VectorMemoryEnabled {
		return vector.Disabled(logger), VectorInfo{Detail: "disabled by configuration"}, noop
	}

	disabled := func(err error) (*vector.Memory, VectorInfo, func()) {
		logger.Error().Err(err).Str("backend", cfg.VectorBackend).Msg("vector memory unavailable, continuing without it")
		return vector.Disabled(logger), VectorInfo{Backend: cfg.VectorBackend, Detail: err.Error()}, noop
	}

	var (
		index  vector.Index
		detail string
	)
	switch cfg.VectorBackend {
	case config.VectorBackendQdrant:
		q, err := vector.NewQdrantIndex(ctx, vector.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.VectorCollection,
			Dimension:  uint64(cfg.MemoryEmbeddingDim),
		})
		if err != nil {
			return disabled(err)
		}
		index = q
		detail = fmt.Sprintf("qdrant %s:%d/%s", cfg.QdrantHost, cfg.QdrantPort, cfg.VectorCollection)
	default:
		c, err := vector.NewChromemIndex(cfg.VectorDBPath, cfg.VectorCollection)
		if err != nil {
			return disabled(err)
		}
		index = c
		detail = "chromem in-memory"
		if cfg.VectorDBPath != "" {
			detail = "chromem " + cfg.VectorDBPath
		}
	}

	cached, err := llm.NewCachedEmbedder(embedder, cfg.EmbeddingCacheMaxCost)
	if err != nil {
		_ = index.Close()
		return disabled(err)
	}
	return vector.NewMemory(index, cached, workers, logger),
		VectorInfo{Enabled: true, Backend: cfg.VectorBackend, Detail: detail},
		cached.Close
}
