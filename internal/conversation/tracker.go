// Package conversation tracks in-process state for each live conversation: how
// many turns were added since the last summary and when it was last active.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultIdleTTL = 24 * time.Hour

var ErrNotFound = errors.New("conversation not tracked")

type State struct {
	ConversationID string    `json:"conversation_id"`
	SinceSummary   int       `json:"since_summary"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Tracker struct {
	mu      sync.RWMutex
	states  map[string]*State
	idleTTL time.Duration
	onEvict func(State)
	now     func() time.Time
}

func NewTracker(idleTTL time.Duration) *Tracker {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Tracker{
		states:  make(map[string]*State),
		idleTTL: idleTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) SetEvictHook(hook func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = hook
}

// Record counts one more turn for the conversation and returns the number of
// turns added since its last summary.
func (t *Tracker) Record(conversationID string) int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[conversationID]
	if !ok {
		s = &State{ConversationID: conversationID, StartedAt: now}
		t.states[conversationID] = s
	}
	s.SinceSummary++
	s.LastActivityAt = now
	return s.SinceSummary
}

func (t *Tracker) Count(conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[conversationID]; ok {
		return s.SinceSummary
	}
	return 0
}

func (t *Tracker) Get(conversationID string) (State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[conversationID]
	if !ok {
		return State{}, ErrNotFound
	}
	return *s, nil
}

// Reset zeroes the counter after a successful summary. The conversation stays tracked.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[conversationID]; ok {
		s.SinceSummary = 0
	}
}

// Forget drops all state for a conversation, e.g. after it was cleared.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, conversationID)
}

func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

func (t *Tracker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.evictIdle()
			}
		}
	}()
}

func (t *Tracker) evictIdle() {
	now := t.now()
	var evicted []State

	t.mu.Lock()
	for id, s := range t.states {
		if now.Sub(s.LastActivityAt) < t.idleTTL {
			continue
		}
		evicted = append(evicted, *s)
		delete(t.states, id)
	}
	hook := t.onEvict
	t.mu.Unlock()

	if hook != nil {
		for _, s := range evicted {
			hook(s)
		}
	}
}
