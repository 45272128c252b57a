// Package ratelimit admits at most one message per user per interval, using the
// relational store for the last admitted timestamp.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultInterval = time.Second

type Store interface {
	RateTimestamp(ctx context.Context, userID string) (time.Time, error)
	SetRateTimestamp(ctx context.Context, userID string, ts time.Time) error
}

type Limiter struct {
	store    Store
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*userLock

	// OnDecision, when set, observes every admit decision.
	OnDecision func(admitted bool)
}

// userLock serializes check-then-set for one user. refs counts holders and
// waiters so idle entries can be dropped.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, interval time.Duration) *Limiter {
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		store:    store,
		interval: interval,
		now:      time.Now,
		users:    make(map[string]*userLock),
	}
}

func (l *Limiter) Interval() time.Duration { return l.interval }

// Admit reports whether a message from userID may proceed now.
func (l *Limiter) Admit(ctx context.Context, userID string) (bool, error) {
	return l.AdmitAt(ctx, userID, l.now())
}

// AdmitAt rejects without side effects when the previous admitted message is less
// than the interval before now; otherwise it records now and admits.
func (l *Limiter) AdmitAt(ctx context.Context, userID string, now time.Time) (bool, error) {
	unlock := l.lockUser(userID)
	defer unlock()

	last, err := l.store.RateTimestamp(ctx, userID)
	if err != nil {
		return false, errors.Wrap(err, "read rate timestamp")
	}
	if !last.IsZero() && now.Sub(last) < l.interval {
		l.decide(false)
		return false, nil
	}
	if err := l.store.SetRateTimestamp(ctx, userID, now); err != nil {
		return false, errors.Wrap(err, "write rate timestamp")
	}
	l.decide(true)
	return true, nil
}

func (l *Limiter) lockUser(userID string) func() {
	l.mu.Lock()
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLock{}
		l.users[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.users, userID)
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) decide(admitted bool) {
	if l.OnDecision != nil {
		l.OnDecision(admitted)
	}
}
