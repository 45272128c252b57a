// Package pool provides a bounded pool of lazily opened handles (database
// connections in practice). A counting gate caps how many handles may be checked
// out at once; idle handles wait in a bounded queue for reuse.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const DefaultCapacity = 10

var (
	// ErrUnavailable wraps failures to open a new handle.
	ErrUnavailable = errors.New("pool: handle unavailable")
	ErrClosed      = errors.New("pool: closed")
)

// Opener creates a new handle. It is called lazily, only when no idle handle exists.
type Opener[T any] func(ctx context.Context) (T, error)

// Closer disposes of a handle that will not be reused.
type Closer[T any] func(T) error

type Config[T any] struct {
	Capacity int
	Open     Opener[T]
	Close    Closer[T]
	// OnWait, when set, receives the time each Acquire spent waiting for the gate.
	OnWait func(time.Duration)
}

// Pool hands out at most Capacity handles concurrently. A handle is never shared
// between two callers while checked out.
type Pool[T any] struct {
	capacity int
	gate     *semaphore.Weighted
	idle     chan T
	open     Opener[T]
	close    Closer[T]
	onWait   func(time.Duration)

	mu     sync.Mutex
	closed bool
	live   atomic.Int64
}

type Stats struct {
	Capacity int   `json:"capacity"`
	Idle     int   `json:"idle"`
	Open     int64 `json:"open"`
}

func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.Open == nil {
		return nil, errors.New("pool: opener is required")
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	closer := cfg.Close
	if closer == nil {
		closer = func(T) error { return nil }
	}
	return &Pool[T]{
		capacity: capacity,
		gate:     semaphore.NewWeighted(int64(capacity)),
		idle:     make(chan T, capacity),
		open:     cfg.Open,
		close:    closer,
		onWait:   cfg.OnWait,
	}, nil
}

// Acquire returns an idle handle or opens a new one, waiting while the pool is at
// capacity. The wait honors ctx.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if p.isClosed() {
		return zero, ErrClosed
	}

	start := time.Now()
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return zero, errors.Wrap(err, "pool: wait for handle")
	}
	if p.onWait != nil {
		p.onWait(time.Since(start))
	}

	select {
	case h := <-p.idle:
		return h, nil
	default:
	}

	h, err := p.open(ctx)
	if err != nil {
		p.gate.Release(1)
		return zero, errors.Wrapf(ErrUnavailable, "open: %v", err)
	}
	p.live.Add(1)
	return h, nil
}

// Release returns a handle for reuse. The gate slot is always returned, even when
// the handle has to be closed instead of queued.
func (p *Pool[T]) Release(h T) {
	defer p.gate.Release(1)

	p.mu.Lock()
	if !p.closed {
		select {
		case p.idle <- h:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.mu.Unlock()
	p.dispose(h)
}

// Discard closes a handle that must not be reused (e.g. after a broken connection)
// and frees its slot.
func (p *Pool[T]) Discard(h T) {
	defer p.gate.Release(1)
	p.dispose(h)
}

// Close disposes every idle handle. Handles still checked out are closed when
// they are released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for {
		select {
		case h := <-p.idle:
			p.live.Add(-1)
			if err := p.close(h); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Capacity: p.capacity,
		Idle:     len(p.idle),
		Open:     p.live.Load(),
	}
}

func (p *Pool[T]) dispose(h T) {
	p.live.Add(-1)
	_ = p.close(h)
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
