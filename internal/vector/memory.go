package vector

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/memoryd/internal/workpool"
)

// Memory embeds and indexes turns and answers hybrid searches. Every method is
// best-effort: failures are logged and reported through OnFailure, never returned.
type Memory struct {
	index    Index
	embedder Embedder
	workers  *workpool.Pool
	logger   zerolog.Logger

	// OnFailure, when set, is called with the failing operation name.
	OnFailure func(op string)
}

// NewMemory wires an index and embedder. A nil index or embedder yields a disabled
// memory where every call is a no-op.
func NewMemory(index Index, embedder Embedder, workers *workpool.Pool, logger zerolog.Logger) *Memory {
	if workers == nil {
		workers = workpool.New(workpool.DefaultWorkers)
	}
	return &Memory{
		index:    index,
		embedder: embedder,
		workers:  workers,
		logger:   logger.With().Str("component", "vector_memory").Logger(),
	}
}

// Disabled returns a memory that indexes and finds nothing.
func Disabled(logger zerolog.Logger) *Memory {
	return NewMemory(nil, nil, nil, logger)
}

func (m *Memory) Enabled() bool {
	return m != nil && m.index != nil && m.embedder != nil
}

// Index embeds text on the worker pool and upserts it under id.
func (m *Memory) Index(ctx context.Context, id int64, text, conversationID string, kind Kind, createdAt time.Time) {
	if !m.Enabled() {
		return
	}
	emb, err := m.embed(ctx, text)
	if err != nil {
		m.fail("index", err, zerolog.Dict().Int64("id", id).Str("conversation_id", conversationID))
		return
	}
	err = m.index.Upsert(ctx, Record{
		ID:             id,
		Document:       text,
		ConversationID: conversationID,
		Kind:           kind,
		CreatedAt:      createdAt,
		Embedding:      emb,
	})
	if err != nil {
		m.fail("index", errors.Wrap(ErrIndexingFailed, err.Error()), zerolog.Dict().Int64("id", id).Str("conversation_id", conversationID))
	}
}

// HybridSearch returns at most totalK documents: the best matching summary (if
// any) followed by up to totalK-1 best matching messages, most similar first.
// Results are never padded.
func (m *Memory) HybridSearch(ctx context.Context, conversationID, query string, totalK int) []string {
	if !m.Enabled() || totalK <= 0 {
		return []string{}
	}
	emb, err := m.embed(ctx, query)
	if err != nil {
		m.fail("search", err, zerolog.Dict().Str("conversation_id", conversationID))
		return []string{}
	}

	var summaries, messages []Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := m.index.Query(gctx, conversationID, KindSummary, emb, 1)
		summaries = hits
		return errors.Wrap(err, "query summaries")
	})
	if totalK > 1 {
		g.Go(func() error {
			hits, err := m.index.Query(gctx, conversationID, KindMessage, emb, totalK-1)
			messages = hits
			return errors.Wrap(err, "query messages")
		})
	}
	if err := g.Wait(); err != nil {
		m.fail("search", err, zerolog.Dict().Str("conversation_id", conversationID))
		return []string{}
	}

	out := make([]string, 0, len(summaries)+len(messages))
	for _, h := range summaries {
		out = append(out, h.Document)
	}
	for _, h := range messages {
		out = append(out, h.Document)
	}
	return out
}

func (m *Memory) Delete(ctx context.Context, ids []int64) {
	if !m.Enabled() || len(ids) == 0 {
		return
	}
	if err := m.index.Delete(ctx, ids); err != nil {
		m.fail("delete", err, zerolog.Dict().Ints64("ids", ids))
	}
}

func (m *Memory) DeleteConversation(ctx context.Context, conversationID string) {
	if !m.Enabled() {
		return
	}
	if err := m.index.DeleteConversation(ctx, conversationID); err != nil {
		m.fail("delete_conversation", err, zerolog.Dict().Str("conversation_id", conversationID))
	}
}

func (m *Memory) Close() error {
	if m == nil || m.index == nil {
		return nil
	}
	return m.index.Close()
}

func (m *Memory) embed(ctx context.Context, text string) ([]float32, error) {
	emb, err := workpool.Run(ctx, m.workers, func(ctx context.Context) ([]float32, error) {
		return m.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, errors.Wrap(ErrIndexingFailed, "embed: "+err.Error())
	}
	if len(emb) == 0 {
		return nil, errors.Wrap(ErrIndexingFailed, "embed: empty vector")
	}
	return emb, nil
}

func (m *Memory) fail(op string, err error, fields *zerolog.Event) {
	m.logger.Warn().Err(err).Str("op", op).Dict("record", fields).Msg("vector memory operation failed")
	if m.OnFailure != nil {
		m.OnFailure(op)
	}
}
