package llm

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// DefaultEmbeddingCacheCost is the cache budget in bytes of stored vectors.
const DefaultEmbeddingCacheCost = 1 << 24

// CachedEmbedder memoizes embeddings by exact input text. Repeated queries (and the
// query/document overlap of a chatty conversation) skip the model server.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

var _ Embedder = (*CachedEmbedder)(nil)

func NewCachedEmbedder(next Embedder, maxCost int64) (*CachedEmbedder, error) {
	if next == nil {
		return nil, errors.New("cached embedder: nil embedder")
	}
	if maxCost <= 0 {
		maxCost = DefaultEmbeddingCacheCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cached embedder: create cache")
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until buffered cache writes are applied.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() { c.cache.Close() }
