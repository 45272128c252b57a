// Package engine is the memory engine facade: it records turns in the relational
// history and the semantic index, assembles bounded prompts and keeps history
// compact by triggering summarization.
package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/memoryd/internal/conversation"
	"github.com/antoniostano/memoryd/internal/llm"
	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/observability"
	"github.com/antoniostano/memoryd/internal/prompt"
	"github.com/antoniostano/memoryd/internal/ratelimit"
	"github.com/antoniostano/memoryd/internal/summarize"
	"github.com/antoniostano/memoryd/internal/tokens"
	"github.com/antoniostano/memoryd/internal/transcript"
	"github.com/antoniostano/memoryd/internal/vector"
	"github.com/antoniostano/memoryd/internal/workpool"
)

const DefaultMaxPromptTokens = 3072

type Config struct {
	SummaryThreshold int
	SummaryTimeout   time.Duration
	MaxPromptTokens  int
	SearchK          int
	HistoryLimit     int
	RateInterval     time.Duration
	IdleTTL          time.Duration
}

// Deps are the collaborators of an Engine. Store and Completer are required;
// everything else has a working default.
type Deps struct {
	Store      memory.Store
	Vectors    *vector.Memory
	Completer  llm.Completer
	Counter    tokens.Counter
	Workers    *workpool.Pool
	Metrics    *observability.Metrics
	Transcript *transcript.Logger
	Logger     zerolog.Logger
}

type Engine struct {
	cfg        Config
	store      memory.Store
	vectors    *vector.Memory
	builder    *prompt.Builder
	pipeline   *summarize.Pipeline
	limiter    *ratelimit.Limiter
	tracker    *conversation.Tracker
	metrics    *observability.Metrics
	transcript *transcript.Logger
	logger     zerolog.Logger
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Completer == nil {
		return nil, errors.New("engine: completer is required")
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = summarize.DefaultThreshold
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = DefaultMaxPromptTokens
	}
	if cfg.SearchK <= 0 {
		cfg.SearchK = prompt.DefaultSearchK
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = prompt.DefaultHistoryLimit
	}
	workers := deps.Workers
	if workers == nil {
		workers = workpool.New(workpool.DefaultWorkers)
	}
	vectors := deps.Vectors
	if vectors == nil {
		vectors = vector.Disabled(deps.Logger)
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		vectors:    vectors,
		limiter:    ratelimit.New(deps.Store, cfg.RateInterval),
		tracker:    conversation.NewTracker(cfg.IdleTTL),
		metrics:    deps.Metrics,
		transcript: deps.Transcript,
		logger:     deps.Logger.With().Str("component", "engine").Logger(),
	}
	e.builder = prompt.NewBuilder(deps.Store, timedSearcher{memory: vectors, metrics: deps.Metrics}, deps.Counter,
		prompt.Options{HistoryLimit: cfg.HistoryLimit, SearchK: cfg.SearchK}, deps.Logger)
	e.pipeline = summarize.New(deps.Store, vectors, deps.Completer, workers, summarize.Config{
		Threshold: cfg.SummaryThreshold,
		Timeout:   cfg.SummaryTimeout,
	}, deps.Logger)
	e.pipeline.OnSuccess = e.tracker.Reset
	e.tracker.SetEvictHook(e.onEvict)
	e.wireMetrics()
	return e, nil
}

func (e *Engine) wireMetrics() {
	m := e.metrics
	if m == nil {
		return
	}
	e.vectors.OnFailure = m.ObserveIndexingFailure
	e.limiter.OnDecision = m.ObserveRateLimit
	e.pipeline.OnOutcome = func(o summarize.Outcome, d time.Duration) {
		m.ObserveSummarization(string(o), d)
	}
}

func (e *Engine) onEvict(s conversation.State) {
	e.logger.Debug().Str("conversation_id", s.ConversationID).Int("since_summary", s.SinceSummary).
		Msg("idle conversation evicted")
	if e.transcript != nil {
		e.transcript.Close(s.ConversationID)
	}
	if e.metrics != nil {
		e.metrics.TrackedConversations.Set(float64(e.tracker.Active()))
	}
}

// StartJanitor evicts idle conversation counters until ctx is done.
func (e *Engine) StartJanitor(ctx context.Context, interval time.Duration) {
	e.tracker.StartJanitor(ctx, interval)
}

// AddTurn persists a turn, indexes it for semantic search and triggers a
// background summarization once enough turns accumulated. Only the relational
// write can fail the call.
func (e *Engine) AddTurn(ctx context.Context, conversationID string, role memory.Role, content string) (memory.Turn, error) {
	defer e.observe(observability.OpAddTurn, time.Now())

	turn, err := e.store.Append(ctx, conversationID, role, content)
	if err != nil {
		return memory.Turn{}, errors.Wrap(err, "append turn")
	}
	if e.metrics != nil {
		e.metrics.ObserveTurn(string(turn.Role))
	}
	if e.transcript != nil {
		e.transcript.Log(conversationID, string(turn.Role), content)
	}

	e.vectors.Index(ctx, turn.ID, content, conversationID, vector.KindMessage, turn.CreatedAt)

	since := e.tracker.Record(conversationID)
	if e.metrics != nil {
		e.metrics.TrackedConversations.Set(float64(e.tracker.Active()))
	}
	if since >= e.cfg.SummaryThreshold {
		e.pipeline.Trigger(conversationID)
	}
	return turn, nil
}

// AddExchange records a user turn followed by the assistant's reply.
func (e *Engine) AddExchange(ctx context.Context, conversationID, userText, assistantText string) ([]memory.Turn, error) {
	u, err := e.AddTurn(ctx, conversationID, memory.RoleUser, userText)
	if err != nil {
		return nil, err
	}
	a, err := e.AddTurn(ctx, conversationID, memory.RoleAssistant, assistantText)
	if err != nil {
		return []memory.Turn{u}, err
	}
	return []memory.Turn{u, a}, nil
}

// BuildContext returns the prompt for query. maxTokens <= 0 uses the configured budget.
func (e *Engine) BuildContext(ctx context.Context, conversationID, preamble, query string, maxTokens int) ([]memory.Message, error) {
	a, err := e.Assemble(ctx, conversationID, preamble, query, maxTokens)
	if err != nil {
		return nil, err
	}
	return a.Messages, nil
}

// Assemble is BuildContext with the token accounting of the result.
func (e *Engine) Assemble(ctx context.Context, conversationID, preamble, query string, maxTokens int) (prompt.Assembly, error) {
	defer e.observe(observability.OpBuildContext, time.Now())
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxPromptTokens
	}
	a, err := e.builder.Assemble(ctx, conversationID, preamble, query, maxTokens)
	if err != nil {
		return prompt.Assembly{}, err
	}
	if e.metrics != nil {
		e.metrics.ObserveContextTokens(a.Tokens)
		if a.Memories == 0 && e.vectors.Enabled() {
			e.metrics.ObserveIndicator("context_without_memories")
		}
	}
	return a, nil
}

// Clear removes every trace of a conversation: history, vector records, the
// rate-limit entry and the in-process counter. A summarization in flight for the
// conversation is discarded rather than written back.
func (e *Engine) Clear(ctx context.Context, conversationID string) error {
	defer e.observe(observability.OpClear, time.Now())
	err := e.pipeline.Invalidate(conversationID, func() error {
		if err := e.store.DeleteConversation(ctx, conversationID); err != nil {
			return err
		}
		e.vectors.DeleteConversation(ctx, conversationID)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "clear conversation")
	}
	e.tracker.Forget(conversationID)
	if e.transcript != nil {
		e.transcript.Close(conversationID)
	}
	if e.metrics != nil {
		e.metrics.TrackedConversations.Set(float64(e.tracker.Active()))
	}
	return nil
}

// DeleteLastExchange removes the newest two turns from both stores and returns
// their ids, newest first.
func (e *Engine) DeleteLastExchange(ctx context.Context, conversationID string) ([]int64, error) {
	ids, err := e.store.LastIDs(ctx, conversationID, 2)
	if err != nil {
		return nil, errors.Wrap(err, "find last exchange")
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if err := e.store.DeleteByIDs(ctx, ids); err != nil {
		return nil, errors.Wrap(err, "delete last exchange")
	}
	e.vectors.Delete(ctx, ids)
	return ids, nil
}

func (e *Engine) RecentSummaries(ctx context.Context, conversationID string, limit int) ([]string, error) {
	out, err := e.store.LatestSummaries(ctx, conversationID, limit)
	return out, errors.Wrap(err, "load summaries")
}

func (e *Engine) History(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error) {
	out, err := e.store.Recent(ctx, conversationID, limit)
	return out, errors.Wrap(err, "load history")
}

// Admit reports whether userID may send a message now.
func (e *Engine) Admit(ctx context.Context, userID string) (bool, error) {
	return e.limiter.Admit(ctx, userID)
}

// Summarize runs the pipeline synchronously when at least the threshold number of
// turns was added since the last summary.
func (e *Engine) Summarize(ctx context.Context, conversationID string) (summarize.Outcome, error) {
	if e.tracker.Count(conversationID) < e.cfg.SummaryThreshold {
		return summarize.OutcomeInsufficient, nil
	}
	return e.SummarizeNow(ctx, conversationID)
}

// SummarizeNow skips the turn counter; the pipeline still refuses when fewer than
// threshold raw turns are stored.
func (e *Engine) SummarizeNow(ctx context.Context, conversationID string) (summarize.Outcome, error) {
	return e.pipeline.Run(ctx, conversationID)
}

// SinceSummary returns the turns added since the conversation's last summary.
func (e *Engine) SinceSummary(conversationID string) int {
	return e.tracker.Count(conversationID)
}

func (e *Engine) SummaryThreshold() int { return e.cfg.SummaryThreshold }

func (e *Engine) RateInterval() time.Duration { return e.limiter.Interval() }

func (e *Engine) VectorMemoryEnabled() bool { return e.vectors.Enabled() }

// Close waits for background summarization, bounded by ctx, then releases both stores.
func (e *Engine) Close(ctx context.Context) error {
	werr := e.pipeline.Wait(ctx)
	if werr != nil {
		e.logger.Warn().Err(werr).Msg("closing with summarization still running")
	}
	if e.transcript != nil {
		e.transcript.CloseAll()
	}
	verr := e.vectors.Close()
	serr := e.store.Close()
	switch {
	case serr != nil:
		return errors.Wrap(serr, "close store")
	case verr != nil:
		return errors.Wrap(verr, "close vector memory")
	}
	return werr
}

func (e *Engine) observe(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveOperation(op, time.Since(start))
	}
}

type timedSearcher struct {
	memory  *vector.Memory
	metrics *observability.Metrics
}

func (t timedSearcher) HybridSearch(ctx context.Context, conversationID, query string, totalK int) []string {
	if !t.memory.Enabled() {
		return nil
	}
	start := time.Now()
	out := t.memory.HybridSearch(ctx, conversationID, query, totalK)
	if t.metrics != nil {
		t.metrics.ObserveOperation(observability.OpHybridSearch, time.Since(start))
	}
	return out
}
