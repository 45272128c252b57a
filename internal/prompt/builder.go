// Package prompt assembles the message list sent to the completion service for a
// new user turn: system preamble, recalled memories and as much recent history as
// the token budget allows.
package prompt

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/tokens"
)

const (
	DefaultHistoryLimit = 50
	DefaultSearchK      = 3
	memoryBlockHeader   = "Relevant past events:\n- "
)

// ErrBudgetExceeded means the preamble and the new user turn alone do not fit.
var ErrBudgetExceeded = errors.New("token budget exceeded by preamble and user turn")

type History interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error)
}

type Searcher interface {
	HybridSearch(ctx context.Context, conversationID, query string, totalK int) []string
}

type Options struct {
	HistoryLimit int
	SearchK      int
}

type Builder struct {
	history  History
	searcher Searcher
	counter  tokens.Counter
	opts     Options
	logger   zerolog.Logger
}

// Assembly is a built prompt with the bookkeeping callers report on.
type Assembly struct {
	Messages     []memory.Message `json:"messages"`
	Tokens       int              `json:"tokens"`
	HistoryTurns int              `json:"history_turns"`
	Memories     int              `json:"memories"`
}

// NewBuilder returns a Builder. searcher may be nil when semantic memory is off.
func NewBuilder(history History, searcher Searcher, counter tokens.Counter, opts Options, logger zerolog.Logger) *Builder {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.SearchK <= 0 {
		opts.SearchK = DefaultSearchK
	}
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	return &Builder{
		history:  history,
		searcher: searcher,
		counter:  counter,
		opts:     opts,
		logger:   logger.With().Str("component", "prompt").Logger(),
	}
}

// Build returns the prompt messages for query, costing strictly less than maxTokens.
func (b *Builder) Build(ctx context.Context, conversationID, preamble, query string, maxTokens int) ([]memory.Message, error) {
	a, err := b.Assemble(ctx, conversationID, preamble, query, maxTokens)
	if err != nil {
		return nil, err
	}
	return a.Messages, nil
}

// Assemble is Build with token accounting. History is included newest-first as a
// contiguous window: the walk stops at the first turn that does not fit.
func (b *Builder) Assemble(ctx context.Context, conversationID, preamble, query string, maxTokens int) (Assembly, error) {
	system := memory.Message{Role: memory.RoleSystem, Content: preamble}
	user := memory.Message{Role: memory.RoleUser, Content: query}

	used := b.cost(system)
	reserved := b.cost(user)
	if used+reserved >= maxTokens {
		return Assembly{}, errors.Wrapf(ErrBudgetExceeded, "need %d of %d tokens", used+reserved, maxTokens)
	}

	head := []memory.Message{system}
	memories := 0
	if b.searcher != nil {
		if found := b.searcher.HybridSearch(ctx, conversationID, query, b.opts.SearchK); len(found) > 0 {
			block := memory.Message{Role: memory.RoleSystem, Content: FormatMemoryBlock(found)}
			if c := b.cost(block); used+c+reserved < maxTokens {
				head = append(head, block)
				used += c
				memories = len(found)
			} else {
				b.logger.Debug().
					Str("conversation_id", conversationID).
					Int("block_tokens", c).
					Msg("memory block dropped: over budget")
			}
		}
	}

	recent, err := b.history.Recent(ctx, conversationID, b.opts.HistoryLimit)
	if err != nil {
		return Assembly{}, errors.Wrap(err, "load recent history")
	}
	start := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		c := b.cost(recent[i].Message())
		if used+c+reserved >= maxTokens {
			break
		}
		used += c
		start = i
	}

	window := recent[start:]
	messages := make([]memory.Message, 0, len(head)+len(window)+1)
	messages = append(messages, head...)
	for _, t := range window {
		messages = append(messages, t.Message())
	}
	messages = append(messages, user)

	return Assembly{
		Messages:     messages,
		Tokens:       used + reserved,
		HistoryTurns: len(window),
		Memories:     memories,
	}, nil
}

// Cost is the token cost of a message list under the builder's counter.
func (b *Builder) Cost(messages []memory.Message) int {
	total := 0
	for _, m := range messages {
		total += b.cost(m)
	}
	return total
}

func (b *Builder) cost(m memory.Message) int {
	return tokens.MessageCost(b.counter, string(m.Role), m.Content)
}

// FormatMemoryBlock renders recalled documents as one bulleted system message.
func FormatMemoryBlock(items []string) string {
	return memoryBlockHeader + strings.Join(items, "\n- ")
}
