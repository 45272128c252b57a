package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	turns  map[string][]Turn
	rates  map[string]time.Time
	now    func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns: make(map[string][]Turn),
		rates: make(map[string]time.Time),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Append(_ context.Context, conversationID string, role Role, content string) (Turn, error) {
	if err := validateAppend(conversationID, role); err != nil {
		return Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	createdAt := s.now()
	if arr := s.turns[conversationID]; len(arr) > 0 {
		if last := arr[len(arr)-1].CreatedAt; createdAt.Before(last) {
			createdAt = last
		}
	}
	t := Turn{ID: s.nextID, ConversationID: conversationID, Role: role, Content: content, CreatedAt: createdAt}
	s.turns[conversationID] = append(s.turns[conversationID], t)
	return t, nil
}

func (s *InMemoryStore) AppendSummary(ctx context.Context, conversationID, summary string) (Turn, error) {
	return s.Append(ctx, conversationID, RoleSystem, SummaryPrefix+summary)
}

func (s *InMemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[conversationID]
	if limit <= 0 || len(arr) == 0 {
		return []Turn{}, nil
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) OldestRaw(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Turn{}
	for _, t := range s.turns[conversationID] {
		if len(out) >= limit {
			break
		}
		if !t.IsSummary() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) LatestSummaries(_ context.Context, conversationID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	arr := s.turns[conversationID]
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		if arr[i].IsSummary() {
			out = append(out, arr[i].SummaryText())
		}
	}
	return out, nil
}

func (s *InMemoryStore) LastIDs(_ context.Context, conversationID string, n int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []int64{}
	arr := s.turns[conversationID]
	for i := len(arr) - 1; i >= 0 && len(ids) < n; i-- {
		ids = append(ids, arr[i].ID)
	}
	return ids, nil
}

func (s *InMemoryStore) DeleteByIDs(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conv, arr := range s.turns {
		kept := arr[:0]
		for _, t := range arr {
			if _, ok := drop[t.ID]; !ok {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(s.turns, conv)
			continue
		}
		s.turns[conv] = kept
	}
	return nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, conversationID)
	delete(s.rates, conversationID)
	return nil
}

func (s *InMemoryStore) RateTimestamp(_ context.Context, userID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rates[userID], nil
}

func (s *InMemoryStore) SetRateTimestamp(_ context.Context, userID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[userID] = ts.UTC()
	return nil
}

// Conversations lists the ids that currently hold turns, sorted.
func (s *InMemoryStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.turns))
	for id := range s.turns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *InMemoryStore) Close() error { return nil }
