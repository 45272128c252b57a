// Package summarize compacts the oldest raw turns of a conversation into one
// durable summary and prunes the turns it replaces from both stores.
package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/memoryd/internal/llm"
	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/vector"
	"github.com/antoniostano/memoryd/internal/workpool"
)

const (
	DefaultThreshold = 10
	DefaultTimeout   = 5 * time.Minute

	pruneTimeout = 30 * time.Second
)

const instruction = "You maintain the long-term memory of an ongoing conversation. " +
	"Summarize the transcript below in one concise paragraph written in the third person. " +
	"Keep names, stated preferences and facts about the user, and any commitments made. " +
	"Reply with the summary only."

// ErrSummarizationFailed covers completion errors and empty completions.
var ErrSummarizationFailed = errors.New("summarization failed")

type Outcome string

const (
	OutcomeSummarized   Outcome = "summarized"
	OutcomeBusy         Outcome = "busy"
	OutcomeInsufficient Outcome = "insufficient"
	OutcomeFailed       Outcome = "failed"
)

type Store interface {
	OldestRaw(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error)
	AppendSummary(ctx context.Context, conversationID, summary string) (memory.Turn, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
}

type Vectors interface {
	Index(ctx context.Context, id int64, text, conversationID string, kind vector.Kind, createdAt time.Time)
	Delete(ctx context.Context, ids []int64)
}

type Config struct {
	Threshold int
	Timeout   time.Duration
}

// runState is the state of one in-flight summarization. commit serializes the run's
// store writes with Invalidate; stale is set once the conversation was cleared.
type runState struct {
	id     string
	commit sync.Mutex
	stale  bool
}

// Pipeline runs at most one summarization per conversation at a time. The set of
// conversations currently summarizing or being cleared is its only state.
type Pipeline struct {
	store     Store
	vectors   Vectors
	completer llm.Completer
	workers   *workpool.Pool
	cfg       Config
	logger    zerolog.Logger

	mu      sync.Mutex
	running  map[string]*runState
	clearing map[string]int
	wg      sync.WaitGroup

	// OnSuccess runs after a conversation was summarized and pruned.
	OnSuccess func(conversationID string)
	// OnOutcome observes every finished or refused run.
	OnOutcome func(Outcome, time.Duration)
}

func New(store Store, vectors Vectors, completer llm.Completer, workers *workpool.Pool, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if workers == nil {
		workers = workpool.New(workpool.DefaultWorkers)
	}
	return &Pipeline{
		store:     store,
		vectors:   vectors,
		completer: completer,
		workers:   workers,
		cfg:       cfg,
		logger:    logger.With().Str("component", "summarizer").Logger(),
		running:   make(map[string]*runState),
		clearing:  make(map[string]int),
	}
}

func (p *Pipeline) Threshold() int { return p.cfg.Threshold }

// Trigger starts a detached run for the conversation and returns immediately. It
// reports false when a run for the conversation is already in flight.
func (p *Pipeline) Trigger(conversationID string) bool {
	r, ok := p.lock(conversationID)
	if !ok {
		p.logger.Info().Str("conversation_id", conversationID).Msg("summarization already running, trigger ignored")
		p.observe(OutcomeBusy, 0)
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unlock(conversationID)
		defer func() {
			if v := recover(); v != nil {
				p.logger.Error().Str("run_id", r.id).Interface("panic", v).Msg("summarization panicked")
				p.observe(OutcomeFailed, 0)
			}
		}()

		// Detached from the triggering request.
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		_, _ = p.run(ctx, r, conversationID)
	}()
	return true
}

// Run summarizes synchronously. It returns OutcomeBusy without waiting when a run
// for the conversation is already in flight.
func (p *Pipeline) Run(ctx context.Context, conversationID string) (Outcome, error) {
	r, ok := p.lock(conversationID)
	if !ok {
		p.observe(OutcomeBusy, 0)
		return OutcomeBusy, nil
	}
	defer p.unlock(conversationID)
	return p.run(ctx, r, conversationID)
}

// Invalidate runs fn, typically the deletion of the conversation, while no
// summary can be committed for it. A run in flight discards its result, and new
// runs are refused as busy until fn returns.
func (p *Pipeline) Invalidate(conversationID string, fn func() error) error {
	p.mu.Lock()
	p.clearing[conversationID]++
	r := p.running[conversationID]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.clearing[conversationID]--; p.clearing[conversationID] <= 0 {
			delete(p.clearing, conversationID)
		}
	}()

	if r != nil {
		r.commit.Lock()
		defer r.commit.Unlock()
		r.stale = true
	}
	return fn()
}

// Running reports whether a run is in flight for the conversation.
func (p *Pipeline) Running(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[conversationID]
	return ok
}

// Wait blocks until every detached run finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for summarization runs")
	}
}

func (p *Pipeline) run(ctx context.Context, r *runState, conversationID string) (Outcome, error) {
	start := time.Now()
	log := p.logger.With().Str("run_id", r.id).Str("conversation_id", conversationID).Logger()

	outcome, err := p.summarize(ctx, log, r, conversationID)
	elapsed := time.Since(start)
	p.observe(outcome, elapsed)

	switch outcome {
	case OutcomeSummarized:
		log.Info().Dur("elapsed", elapsed).Msg("conversation summarized")
		if p.OnSuccess != nil {
			p.OnSuccess(conversationID)
		}
	case OutcomeInsufficient:
		log.Info().Msg("nothing to summarize")
	case OutcomeFailed:
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("summarization aborted, raw turns kept")
	}
	return outcome, err
}

func (p *Pipeline) summarize(ctx context.Context, log zerolog.Logger, r *runState, conversationID string) (Outcome, error) {
	turns, err := p.store.OldestRaw(ctx, conversationID, p.cfg.Threshold)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "load oldest turns")
	}
	if len(turns) < p.cfg.Threshold {
		return OutcomeInsufficient, nil
	}

	messages := []memory.Message{
		{Role: memory.RoleSystem, Content: instruction},
		{Role: memory.RoleUser, Content: Transcript(turns)},
	}
	summary, err := workpool.Run(ctx, p.workers, func(ctx context.Context) (string, error) {
		return p.completer.Complete(ctx, messages, llm.TaskUtility)
	})
	if err != nil {
		return OutcomeFailed, errors.Wrap(ErrSummarizationFailed, err.Error())
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return OutcomeFailed, errors.Wrap(ErrSummarizationFailed, "empty completion")
	}

	r.commit.Lock()
	defer r.commit.Unlock()
	if r.stale {
		log.Info().Msg("conversation cleared during summarization, summary discarded")
		return OutcomeInsufficient, nil
	}

	// The summary is durable before anything it replaces is deleted.
	saved, err := p.store.AppendSummary(ctx, conversationID, summary)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "store summary")
	}
	// Once the summary exists the prune must finish, or the same turns would be
	// summarized again by the next run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pruneTimeout)
	defer cancel()
	p.vectors.Index(ctx, saved.ID, summary, conversationID, vector.KindSummary, saved.CreatedAt)

	ids := make([]int64, 0, len(turns))
	for _, t := range turns {
		ids = append(ids, t.ID)
	}
	if err := p.store.DeleteByIDs(ctx, ids); err != nil {
		return OutcomeFailed, errors.Wrap(err, "prune summarized turns")
	}
	p.vectors.Delete(ctx, ids)

	log.Debug().Int64("summary_id", saved.ID).Int("pruned", len(ids)).Msg("pruned summarized turns")
	return OutcomeSummarized, nil
}

func (p *Pipeline) lock(conversationID string) (*runState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.running[conversationID]; busy {
		return nil, false
	}
	if p.clearing[conversationID] > 0 {
		return nil, false
	}
	r := &runState{id: uuid.NewString()}
	p.running[conversationID] = r
	return r, true
}

func (p *Pipeline) unlock(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, conversationID)
}

func (p *Pipeline) observe(o Outcome, d time.Duration) {
	if p.OnOutcome != nil {
		p.OnOutcome(o, d)
	}
}

// Transcript renders turns as "role: content" lines for the summarization prompt.
func Transcript(turns []memory.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, t.Content)
	}
	return b.String()
}
