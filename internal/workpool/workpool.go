// Package workpool bounds how many slow external calls (embeddings, completions)
// run at once.
package workpool

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const DefaultWorkers = 4

// Pool runs functions with at most Workers of them in flight.
type Pool struct {
	workers  int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

func New(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{workers: int64(workers), sem: semaphore.NewWeighted(int64(workers))}
}

// Do executes fn once a worker slot is free. Waiting honors ctx.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "workpool: wait for worker")
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Run is Do for functions that produce a value.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

func (p *Pool) Workers() int { return int(p.workers) }
