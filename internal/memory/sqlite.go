package memory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/antoniostano/memoryd/internal/pool"
)

// SQLiteStore persists conversation history in a local SQLite file. Connections
// are checked out through a bounded pool so concurrent conversations never share
// a connection.
type SQLiteStore struct {
	db   *sql.DB
	pool *pool.Pool[*sql.Conn]
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, path string, opts PoolOptions) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite store: create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	capacity := opts.capacity()
	db.SetMaxOpenConns(capacity)
	db.SetMaxIdleConns(capacity)

	p, err := pool.New(pool.Config[*sql.Conn]{
		Capacity: capacity,
		Open: func(ctx context.Context) (*sql.Conn, error) {
			conn, err := db.Conn(ctx)
			if err != nil {
				return nil, err
			}
			for _, pragma := range []string{
				`PRAGMA busy_timeout=5000`,
				`PRAGMA journal_mode=WAL`,
			} {
				if _, err := conn.ExecContext(ctx, pragma); err != nil {
					_ = conn.Close()
					return nil, errors.Wrapf(err, "apply %q", pragma)
				}
			}
			return conn, nil
		},
		Close:  func(c *sql.Conn) error { return c.Close() },
		OnWait: opts.OnWait,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, pool: p}
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_created ON turns (conversation_id, created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS user_rate_limits (
			user_id TEXT PRIMARY KEY,
			last_message_at REAL NOT NULL
		);`,
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "sqlite store: migrate %q", firstLine(stmt))
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	if err := validateAppend(conversationID, role); err != nil {
		return Turn{}, err
	}
	turn := Turn{ConversationID: conversationID, Role: role, Content: content}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var createdAt int64
		// created_at never goes backwards within a conversation, even if the wall clock does.
		row := conn.QueryRowContext(ctx,
			`INSERT INTO turns (conversation_id, role, content, created_at)
			 VALUES (?, ?, ?, MAX(?, COALESCE((SELECT MAX(created_at) FROM turns WHERE conversation_id = ?), 0)))
			 RETURNING id, created_at`,
			conversationID, string(role), content, time.Now().UTC().UnixNano(), conversationID,
		)
		if err := row.Scan(&turn.ID, &createdAt); err != nil {
			return errors.Wrap(err, "insert turn")
		}
		turn.CreatedAt = time.Unix(0, createdAt).UTC()
		return nil
	})
	if err != nil {
		return Turn{}, err
	}
	return turn, nil
}

func (s *SQLiteStore) AppendSummary(ctx context.Context, conversationID, summary string) (Turn, error) {
	return s.Append(ctx, conversationID, RoleSystem, SummaryPrefix+summary)
}

func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent turns")
	}
	reverseTurns(items)
	return items, nil
}

func (s *SQLiteStore) OldestRaw(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns
		 WHERE conversation_id = ? AND NOT (role = 'system' AND substr(content, 1, ?) = ?)
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		conversationID, len(SummaryPrefix), SummaryPrefix, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query oldest raw turns")
	}
	return items, nil
}

func (s *SQLiteStore) LatestSummaries(ctx context.Context, conversationID string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	items, err := s.queryTurns(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns
		 WHERE conversation_id = ? AND role = 'system' AND substr(content, 1, ?) = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, len(SummaryPrefix), SummaryPrefix, limit,
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

func (s *SQLiteStore) LastIDs(ctx context.Context, conversationID string, n int) ([]int64, error) {
	ids := []int64{}
	if n <= 0 {
		return ids, nil
	}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id FROM turns WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			conversationID, n,
		)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "query last ids")
	}
	return ids, nil
}

func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return errors.Wrap(err, "delete turns by id")
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_rate_limits WHERE user_id = ?`, conversationID); err != nil {
			return errors.Wrap(err, "delete rate limit entry")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
			return errors.Wrap(err, "delete conversation turns")
		}
		return nil
	})
}

func (s *SQLiteStore) RateTimestamp(ctx context.Context, userID string) (time.Time, error) {
	var ts float64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			`SELECT last_message_at FROM user_rate_limits WHERE user_id = ?`, userID,
		).Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "query rate timestamp")
	}
	return fromUnixSeconds(ts), nil
}

func (s *SQLiteStore) SetRateTimestamp(ctx context.Context, userID string, ts time.Time) error {
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO user_rate_limits (user_id, last_message_at) VALUES (?, ?)`,
			userID, unixSeconds(ts),
		)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "upsert rate timestamp")
	}
	return nil
}

func (s *SQLiteStore) Stats() pool.Stats {
	return s.pool.Stats()
}

func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	perr := s.pool.Close()
	derr := s.db.Close()
	if perr != nil {
		return perr
	}
	return derr
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	items := []Turn{}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				t         Turn
				role      string
				createdAt int64
			)
			if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &createdAt); err != nil {
				return errors.Wrap(err, "scan turn")
			}
			t.Role = Role(role)
			t.CreatedAt = time.Unix(0, createdAt).UTC()
			items = append(items, t)
		}
		return rows.Err()
	})
	return items, err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin tx")
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(), "commit tx")
	})
}

// withConn checks out a pooled connection for the duration of fn. Connections that
// report driver.ErrBadConn are discarded instead of reused.
func (s *SQLiteStore) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return acquireError(ctx, err)
	}
	err = fn(conn)
	if errors.Is(err, driver.ErrBadConn) {
		s.pool.Discard(conn)
		return &unavailableError{cause: err}
	}
	s.pool.Release(conn)
	return err
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
