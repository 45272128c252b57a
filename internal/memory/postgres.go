package memory

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/antoniostano/memoryd/internal/pool"
)

// PostgresStore persists conversation history in PostgreSQL. Each checked-out
// handle is a dedicated pgx connection from the store's bounded pool.
type PostgresStore struct {
	pool *pool.Pool[*pgx.Conn]
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string, opts PoolOptions) (*PostgresStore, error) {
	connCfg, err := pgx.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres url")
	}

	p, err := pool.New(pool.Config[*pgx.Conn]{
		Capacity: opts.capacity(),
		Open: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.ConnectConfig(ctx, connCfg.Copy())
		},
		Close: func(c *pgx.Conn) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.Close(ctx)
		},
		OnWait: opts.OnWait,
	})
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: p}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_created ON turns (conversation_id, created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS user_rate_limits (
			user_id TEXT PRIMARY KEY,
			last_message_at DOUBLE PRECISION NOT NULL
		);`,
	}
	return s.withConn(ctx, func(conn *pgx.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "init schema failed on %q", firstLine(stmt))
			}
		}
		return nil
	})
}

func (s *PostgresStore) Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	if err := validateAppend(conversationID, role); err != nil {
		return Turn{}, err
	}
	turn := Turn{ConversationID: conversationID, Role: role, Content: content}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Appends to one conversation take turns so id order and created_at order agree.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID); err != nil {
			return errors.Wrap(err, "lock conversation")
		}
		return tx.QueryRow(ctx,
			`INSERT INTO turns (conversation_id, role, content, created_at)
			 VALUES ($1, $2, $3, GREATEST($4::timestamptz,
			   COALESCE((SELECT MAX(created_at) FROM turns WHERE conversation_id = $1), $4::timestamptz)))
			 RETURNING id, created_at`,
			conversationID, string(role), content, time.Now().UTC(),
		).Scan(&turn.ID, &turn.CreatedAt)
	})
	if err != nil {
		return Turn{}, errors.Wrap(err, "save turn")
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	return turn, nil
}

func (s *PostgresStore) AppendSummary(ctx context.Context, conversationID, summary string) (Turn, error) {
	return s.Append(ctx, conversationID, RoleSystem, SummaryPrefix+summary)
}

func (s *PostgresStore) Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent context")
	}
	// Reverse into chronological order for prompt coherence.
	reverseTurns(items)
	return items, nil
}

func (s *PostgresStore) OldestRaw(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns
		 WHERE conversation_id = $1 AND NOT (role = 'system' AND starts_with(content, $2))
		 ORDER BY created_at ASC, id ASC LIMIT $3`,
		conversationID, SummaryPrefix, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query oldest raw turns")
	}
	return items, nil
}

func (s *PostgresStore) LatestSummaries(ctx context.Context, conversationID string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns
		 WHERE conversation_id = $1 AND role = 'system' AND starts_with(content, $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		conversationID, SummaryPrefix, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query summaries")
	}
	out := make([]string, 0, len(items))
	for _, t := range items {
		out = append(out, t.SummaryText())
	}
	return out, nil
}

func (s *PostgresStore) LastIDs(ctx context.Context, conversationID string, n int) ([]int64, error) {
	ids := []int64{}
	if n <= 0 {
		return ids, nil
	}
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT id FROM turns WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
			conversationID, n,
		)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		ids = append(ids, collected...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "query last ids")
	}
	return ids, nil
}

func (s *PostgresStore) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE id = ANY($1)`, ids); err != nil {
			return errors.Wrap(err, "delete turns by id")
		}
		return nil
	})
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_rate_limits WHERE user_id = $1`, conversationID); err != nil {
			return errors.Wrap(err, "delete rate limit entry")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE conversation_id = $1`, conversationID); err != nil {
			return errors.Wrap(err, "delete conversation turns")
		}
		return nil
	})
}

func (s *PostgresStore) RateTimestamp(ctx context.Context, userID string) (time.Time, error) {
	var ts float64
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		err := conn.QueryRow(ctx,
			`SELECT last_message_at FROM user_rate_limits WHERE user_id = $1`, userID,
		).Scan(&ts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "query rate timestamp")
	}
	return fromUnixSeconds(ts), nil
}

func (s *PostgresStore) SetRateTimestamp(ctx context.Context, userID string, ts time.Time) error {
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO user_rate_limits (user_id, last_message_at) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE SET last_message_at = EXCLUDED.last_message_at`,
			userID, unixSeconds(ts),
		)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "upsert rate timestamp")
	}
	return nil
}

func (s *PostgresStore) Stats() pool.Stats {
	return s.pool.Stats()
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	return s.pool.Close()
}

func (s *PostgresStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	items := []Turn{}
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				t    Turn
				role string
			)
			if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &t.CreatedAt); err != nil {
				return errors.Wrap(err, "scan turn row")
			}
			t.Role = Role(role)
			t.CreatedAt = t.CreatedAt.UTC()
			items = append(items, t)
		}
		return rows.Err()
	})
	return items, err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withConn(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return errors.Wrap(err, "begin tx")
		}
		defer func() { _ = tx.Rollback(context.Background()) }()
		if err := fn(tx); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(ctx), "commit tx")
	})
}

func (s *PostgresStore) withConn(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return acquireError(ctx, err)
	}
	err = fn(conn)
	if conn.IsClosed() {
		s.pool.Discard(conn)
		if err != nil && ctx.Err() == nil {
			return &unavailableError{cause: err}
		}
		return err
	}
	s.pool.Release(conn)
	return err
}
