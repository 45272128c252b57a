package vector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/memoryd/internal/workpool"
)

type mapEmbedder struct {
	vecs  map[string][]float32
	fail  atomic.Bool
	calls atomic.Int32
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, errors.New("embedding service offline")
	}
	v, ok := e.vecs[text]
	if !ok {
		return []float32{0, 0, 1}, nil
	}
	return v, nil
}

func newTestMemory(t *testing.T, vecs map[string][]float32) (*Memory, *ChromemIndex, *mapEmbedder) {
	t.Helper()
	idx, err := NewChromemIndex("", "test_memory")
	require.NoError(t, err)
	emb := &mapEmbedder{vecs: vecs}
	return NewMemory(idx, emb, workpool.New(2), zerolog.Nop()), idx, emb
}

var hybridVecs = map[string][]float32{
	"query":          {1, 0, 0},
	"summary close":  {0.9, 0.1, 0},
	"summary far":    {0, 1, 0},
	"message best":   {1, 0.05, 0},
	"message ok":     {0.7, 0.7, 0},
	"message far":    {0, 0.2, 1},
	"other conv msg": {1, 0, 0},
}

func seedHybrid(ctx context.Context, m *Memory) {
	now := time.Now()
	m.Index(ctx, 1, "summary far", "c", KindSummary, now)
	m.Index(ctx, 2, "summary close", "c", KindSummary, now)
	m.Index(ctx, 3, "message ok", "c", KindMessage, now)
	m.Index(ctx, 4, "message best", "c", KindMessage, now)
	m.Index(ctx, 5, "message far", "c", KindMessage, now)
	m.Index(ctx, 6, "other conv msg", "other", KindMessage, now)
}

func TestHybridSearchReservesOneSummarySlot(t *testing.T) {
	ctx := context.Background()
	m, idx, _ := newTestMemory(t, hybridVecs)
	seedHybrid(ctx, m)
	require.Equal(t, 6, idx.Count())

	got := m.HybridSearch(ctx, "c", "query", 3)
	assert.Equal(t, []string{"summary close", "message best", "message ok"}, got)
}

func TestHybridSearchNeverPads(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMemory(t, hybridVecs)
	m.Index(ctx, 1, "message ok", "c", KindMessage, time.Now())
	m.Index(ctx, 2, "other conv msg", "other", KindMessage, time.Now())

	got := m.HybridSearch(ctx, "c", "query", 3)
	assert.Equal(t, []string{"message ok"}, got)

	assert.Empty(t, m.HybridSearch(ctx, "nobody", "query", 3))
	assert.Empty(t, m.HybridSearch(ctx, "c", "query", 0))
}

func TestHybridSearchSingleSlotIsSummaryOnly(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMemory(t, hybridVecs)
	seedHybrid(ctx, m)

	assert.Equal(t, []string{"summary close"}, m.HybridSearch(ctx, "c", "query", 1))
}

func TestIndexFailureIsSwallowedAndReported(t *testing.T) {
	ctx := context.Background()
	m, idx, emb := newTestMemory(t, hybridVecs)
	var failures []string
	m.OnFailure = func(op string) { failures = append(failures, op) }

	emb.fail.Store(true)
	m.Index(ctx, 1, "message ok", "c", KindMessage, time.Now())
	assert.Equal(t, 0, idx.Count())
	assert.Empty(t, m.HybridSearch(ctx, "c", "query", 3))
	assert.Equal(t, []string{"index", "search"}, failures)
}

func TestDeleteToleratesUnknownIDs(t *testing.T) {
	ctx := context.Background()
	m, idx, _ := newTestMemory(t, hybridVecs)
	seedHybrid(ctx, m)

	var failed atomic.Int32
	m.OnFailure = func(string) { failed.Add(1) }

	m.Delete(ctx, []int64{4, 999})
	assert.Equal(t, 5, idx.Count())
	assert.Equal(t, int32(0), failed.Load())

	got := m.HybridSearch(ctx, "c", "query", 3)
	assert.Equal(t, []string{"summary close", "message ok", "message far"}, got)
}

func TestDeleteConversationLeavesOthers(t *testing.T) {
	ctx := context.Background()
	m, idx, _ := newTestMemory(t, hybridVecs)
	seedHybrid(ctx, m)

	m.DeleteConversation(ctx, "c")
	assert.Equal(t, 1, idx.Count())
	assert.Empty(t, m.HybridSearch(ctx, "c", "query", 3))
	assert.Equal(t, []string{"other conv msg"}, m.HybridSearch(ctx, "other", "query", 3))
}

func TestUpsertReplacesSameID(t *testing.T) {
	ctx := context.Background()
	m, idx, _ := newTestMemory(t, hybridVecs)
	m.Index(ctx, 7, "message far", "c", KindMessage, time.Now())
	m.Index(ctx, 7, "message best", "c", KindMessage, time.Now())

	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, []string{"message best"}, m.HybridSearch(ctx, "c", "query", 2))
}

func TestDisabledMemoryIsNoop(t *testing.T) {
	ctx := context.Background()
	m := Disabled(zerolog.Nop())
	assert.False(t, m.Enabled())
	m.Index(ctx, 1, "x", "c", KindMessage, time.Now())
	m.Delete(ctx, []int64{1})
	m.DeleteConversation(ctx, "c")
	assert.Empty(t, m.HybridSearch(ctx, "c", "x", 3))
	assert.NoError(t, m.Close())
}

func TestChromemIndexPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewChromemIndex(dir, "persisted")
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, Record{
		ID: 42, Document: "remember me", ConversationID: "c", Kind: KindSummary,
		CreatedAt: time.Now(), Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(dir, "persisted")
	require.NoError(t, err)
	hits, err := reopened.Query(ctx, "c", KindSummary, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(42), hits[0].ID)
	assert.Equal(t, "remember me", hits[0].Document)
	assert.Equal(t, KindSummary, hits[0].Kind)
}
