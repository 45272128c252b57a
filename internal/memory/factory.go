package memory

import (
	"context"
	"strings"
	"time"

	"github.com/antoniostano/memoryd/internal/pool"
)

// PoolOptions sizes the connection pool behind a relational store.
type PoolOptions struct {
	Capacity int
	OnWait   func(time.Duration)
}

func (o PoolOptions) capacity() int {
	if o.Capacity <= 0 {
		return pool.DefaultCapacity
	}
	return o.Capacity
}

type Options struct {
	DatabaseURL string
	SQLitePath  string
	Pool        PoolOptions
}

// NewStore creates a postgres-backed store when a database URL is configured,
// otherwise a SQLite file store. With neither, history lives in memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.Pool)
	}
	if strings.TrimSpace(opts.SQLitePath) != "" {
		return NewSQLiteStore(ctx, opts.SQLitePath, opts.Pool)
	}
	return NewInMemoryStore(), nil
}
