package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/memoryd/internal/llm"
	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/observability"
	"github.com/antoniostano/memoryd/internal/prompt"
	"github.com/antoniostano/memoryd/internal/summarize"
	"github.com/antoniostano/memoryd/internal/transcript"
	"github.com/antoniostano/memoryd/internal/vector"
	"github.com/antoniostano/memoryd/internal/workpool"
)

type fakeCompleter struct {
	fail  atomic.Bool
	calls atomic.Int32
	// gate, when set before the first call, holds every completion until closed.
	gate chan struct{}
}

func (f *fakeCompleter) Complete(_ context.Context, messages []memory.Message, task llm.TaskType) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.fail.Load() {
		return "", errors.New("model server offline")
	}
	if task != llm.TaskUtility {
		return "", errors.Errorf("unexpected task %q", task)
	}
	return fmt.Sprintf("summary of %d lines", strings.Count(messages[len(messages)-1].Content, "\n")+1), nil
}

// letterEmbedder maps text to letter frequencies, enough for stable similarity.
type letterEmbedder struct {
	fail atomic.Bool
}

func (l *letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if l.fail.Load() {
		return nil, errors.New("embedding service offline")
	}
	v := make([]float32, 27)
	v[26] = 1
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

// charCounter costs one token per byte.
type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

type harness struct {
	engine    *Engine
	store     *memory.InMemoryStore
	index     *vector.ChromemIndex
	embedder  *letterEmbedder
	completer *fakeCompleter
	metrics   *observability.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memory.NewInMemoryStore()
	idx, err := vector.NewChromemIndex("", "engine_test")
	require.NoError(t, err)
	emb := &letterEmbedder{}
	workers := workpool.New(2)
	completer := &fakeCompleter{}
	metrics := observability.NewMetrics("memoryd")

	e, err := New(cfg, Deps{
		Store:     store,
		Vectors:   vector.NewMemory(idx, emb, workers, zerolog.Nop()),
		Completer: completer,
		Counter:   charCounter{},
		Workers:   workers,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return &harness{engine: e, store: store, index: idx, embedder: emb, completer: completer, metrics: metrics}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.pipeline.Wait(ctx))
}

func addTurns(t *testing.T, e *Engine, conv string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		role := memory.RoleUser
		if i%2 == 0 {
			role = memory.RoleAssistant
		}
		_, err := e.AddTurn(context.Background(), conv, role, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
	}
}

func TestNewRequiresStoreAndCompleter(t *testing.T) {
	_, err := New(Config{}, Deps{Completer: &fakeCompleter{}})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Store: memory.NewInMemoryStore()})
	require.Error(t, err)
}

func TestAddTurnPersistsAndIndexes(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 10})
	ctx := context.Background()

	turn, err := h.engine.AddTurn(ctx, "c1", memory.RoleUser, "I like green tea")
	require.NoError(t, err)
	assert.NotZero(t, turn.ID)

	hist, err := h.engine.History(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "I like green tea", hist[0].Content)
	assert.Equal(t, 1, h.index.Count())
	assert.Equal(t, 1, h.engine.SinceSummary("c1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TurnsAppended.WithLabelValues("user")))
}

func TestAddTurnRejectsInvalidRole(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.AddTurn(context.Background(), "c1", memory.Role("narrator"), "hi")
	require.ErrorIs(t, err, memory.ErrInvalidRole)
	assert.Equal(t, 0, h.engine.SinceSummary("c1"))
}

func TestAddTurnSurvivesIndexingFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.embedder.fail.Store(true)

	_, err := h.engine.AddTurn(context.Background(), "c1", memory.RoleUser, "still stored")
	require.NoError(t, err)

	hist, err := h.engine.History(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Equal(t, 0, h.index.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IndexingFailures.WithLabelValues("index")))
}

func TestThresholdTriggersSummarizationAndPruning(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 10})
	ctx := context.Background()

	addTurns(t, h.engine, "c1", 12)
	h.waitIdle(t)

	hist, err := h.engine.History(ctx, "c1", 50)
	require.NoError(t, err)
	require.Len(t, hist, 3)

	summaries, err := h.engine.RecentSummaries(ctx, "c1", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary of 10 lines"}, summaries)

	var raw []string
	stored := 0
	for _, turn := range hist {
		if turn.IsSummary() {
			stored++
			continue
		}
		raw = append(raw, turn.Content)
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, []string{"turn 11", "turn 12"}, raw)
	assert.Equal(t, 3, h.index.Count(), "summary plus the two surviving turns")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SummarizationRuns.WithLabelValues("summarized")))
}

func TestFailedSummarizationKeepsRawTurns(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 4})
	h.completer.fail.Store(true)

	addTurns(t, h.engine, "c1", 4)
	h.waitIdle(t)

	hist, err := h.engine.History(context.Background(), "c1", 50)
	require.NoError(t, err)
	assert.Len(t, hist, 4)
	assert.Equal(t, 4, h.engine.SinceSummary("c1"), "counter survives a failed run")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SummarizationRuns.WithLabelValues("failed")))
}

func TestManualSummarize(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 4})
	ctx := context.Background()

	addTurns(t, h.engine, "c1", 2)
	outcome, err := h.engine.Summarize(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, summarize.OutcomeInsufficient, outcome)

	h.completer.fail.Store(true)
	addTurns(t, h.engine, "c1", 2)
	h.waitIdle(t)
	h.completer.fail.Store(false)

	outcome, err = h.engine.Summarize(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, summarize.OutcomeSummarized, outcome)
	assert.Equal(t, 0, h.engine.SinceSummary("c1"))

	hist, err := h.engine.History(ctx, "c1", 50)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].IsSummary())
}

func TestSummarizeNowIgnoresCounter(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.store.Append(ctx, "c1", memory.RoleUser, fmt.Sprintf("imported %d", i))
		require.NoError(t, err)
	}
	outcome, err := h.engine.SummarizeNow(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, summarize.OutcomeSummarized, outcome)
}

func TestClearRemovesEverything(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 10, RateInterval: time.Hour})
	ctx := context.Background()

	addTurns(t, h.engine, "c1", 12)
	h.waitIdle(t)
	addTurns(t, h.engine, "other", 1)
	admitted, err := h.engine.Admit(ctx, "c1")
	require.NoError(t, err)
	require.True(t, admitted)

	require.NoError(t, h.engine.Clear(ctx, "c1"))

	hist, err := h.engine.History(ctx, "c1", 50)
	require.NoError(t, err)
	assert.Empty(t, hist)
	summaries, err := h.engine.RecentSummaries(ctx, "c1", 5)
	require.NoError(t, err)
	assert.Empty(t, summaries)
	assert.Equal(t, 0, h.engine.SinceSummary("c1"))
	assert.Equal(t, 1, h.index.Count(), "only the other conversation remains indexed")

	admitted, err = h.engine.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, admitted, "rate-limit entry is cleared with the conversation")

	msgs, err := h.engine.BuildContext(ctx, "c1", "You are helpful.", "hello again", 0)
	require.NoError(t, err)
	assert.Equal(t, []memory.Message{
		{Role: memory.RoleSystem, Content: "You are helpful."},
		{Role: memory.RoleUser, Content: "hello again"},
	}, msgs)
}

func TestClearDuringSummarizationLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 4})
	ctx := context.Background()
	h.completer.gate = make(chan struct{})

	addTurns(t, h.engine, "c1", 4)
	require.Eventually(t, func() bool { return h.completer.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.engine.Clear(ctx, "c1"))
	close(h.completer.gate)
	h.waitIdle(t)

	hist, err := h.engine.History(ctx, "c1", 50)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Equal(t, 0, h.index.Count())
	assert.Equal(t, 0, h.engine.SinceSummary("c1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SummarizationRuns.WithLabelValues(string(summarize.OutcomeInsufficient))))
}

func TestIdleEvictionClosesTranscript(t *testing.T) {
	tr := transcript.NewLogger(t.TempDir(), zerolog.Nop())
	e, err := New(Config{SummaryThreshold: 10, IdleTTL: time.Millisecond}, Deps{
		Store:      memory.NewInMemoryStore(),
		Completer:  &fakeCompleter{},
		Counter:    charCounter{},
		Transcript: tr,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	_, err = e.AddTurn(context.Background(), "c1", memory.RoleUser, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, tr.OpenFiles())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartJanitor(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return tr.OpenFiles() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.SinceSummary("c1"))
}

func TestDeleteLastExchange(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	turns, err := h.engine.AddExchange(ctx, "c1", "first question", "first answer")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	last, err := h.engine.AddExchange(ctx, "c1", "second question", "second answer")
	require.NoError(t, err)

	ids, err := h.engine.DeleteLastExchange(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{last[1].ID, last[0].ID}, ids)

	hist, err := h.engine.History(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "first question", hist[0].Content)
	assert.Equal(t, 2, h.index.Count())

	ids, err = h.engine.DeleteLastExchange(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBuildContextIncludesMemoriesAndHistory(t *testing.T) {
	h := newHarness(t, Config{SearchK: 2})
	ctx := context.Background()

	_, err := h.engine.AddExchange(ctx, "c1", "my cat is called miso", "what a lovely name")
	require.NoError(t, err)

	a, err := h.engine.Assemble(ctx, "c1", "You are helpful.", "what is my cat called", 10_000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(a.Messages), 4)
	assert.Equal(t, memory.RoleSystem, a.Messages[0].Role)
	assert.Equal(t, memory.RoleSystem, a.Messages[1].Role)
	assert.True(t, strings.HasPrefix(a.Messages[1].Content, "Relevant past events:\n- "))
	assert.Equal(t, memory.Message{Role: memory.RoleUser, Content: "what is my cat called"}, a.Messages[len(a.Messages)-1])
	assert.Equal(t, 2, a.HistoryTurns)
	assert.Equal(t, 1, a.Memories, "no summaries yet, so one message slot")
	assert.Less(t, a.Tokens, 10_000)

	snap := h.metrics.SnapshotLatency()
	var ops []string
	for _, op := range snap.Operations {
		ops = append(ops, op.Operation)
	}
	assert.Contains(t, ops, observability.OpBuildContext)
	assert.Contains(t, ops, observability.OpHybridSearch)
}

func TestBuildContextBudgetExceeded(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.BuildContext(context.Background(), "c1", strings.Repeat("p", 100), "hi", 50)
	require.ErrorIs(t, err, prompt.ErrBudgetExceeded)
}

func TestAdmitRateLimits(t *testing.T) {
	h := newHarness(t, Config{RateInterval: time.Hour})
	ctx := context.Background()

	ok, err := h.engine.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.engine.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.engine.Admit(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RateLimitDecisions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RateLimitDecisions.WithLabelValues("rejected")))
}

func TestConversationsAreIsolated(t *testing.T) {
	h := newHarness(t, Config{SummaryThreshold: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, conv := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(conv string) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				_, _ = h.engine.AddTurn(ctx, conv, memory.RoleUser, conv+" says hi")
			}
		}(conv)
	}
	wg.Wait()

	for _, conv := range []string{"a", "b", "c"} {
		hist, err := h.engine.History(ctx, conv, 10)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		for _, turn := range hist {
			assert.Equal(t, conv+" says hi", turn.Content)
		}
		assert.Equal(t, 3, h.engine.SinceSummary(conv))
	}
}

func TestDisabledVectorMemory(t *testing.T) {
	store := memory.NewInMemoryStore()
	e, err := New(Config{}, Deps{Store: store, Completer: &fakeCompleter{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = e.Close(context.Background()) }()

	assert.False(t, e.VectorMemoryEnabled())
	_, err = e.AddTurn(context.Background(), "c1", memory.RoleUser, "hello")
	require.NoError(t, err)

	a, err := e.Assemble(context.Background(), "c1", "sys", "next", 0)
	require.NoError(t, err)
	assert.Zero(t, a.Memories)
	assert.Equal(t, 1, a.HistoryTurns)
}
