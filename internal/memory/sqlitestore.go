package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a file-backed MemoryStore implementation, for deployments
// that want conversation memory to survive process restarts (persistence
// of the key/value layer only; the executor's in-memory AgentContext is
// still rebuilt from it on the next invocation, per spec — there is no
// cross-restart Task persistence).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a sqlite-backed store at
// path. Use ":memory:" for an ephemeral database with the same schema as
// the on-disk form, handy in tests that want to exercise this backend
// without touching the filesystem.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Store(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	now := time.Now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (key, value, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, stored_at=excluded.stored_at, expires_at=excluded.expires_at
	`, key, data, now.UnixNano(), expiresAt)
	return err
}

func (s *SQLiteStore) Retrieve(ctx context.Context, key string, out any) (bool, error) {
	var data []byte
	var expiresAt sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM memory_entries WHERE key = ?`, key)
	if err := row.Scan(&data, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	if expiresAt.Valid && time.Now().UnixNano() >= expiresAt.Int64 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ?`, key)
		return false, nil
	}

	if err := unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.reapExpired(ctx); err != nil {
		return nil, err
	}

	query := `SELECT key FROM memory_entries`
	var args []any
	if prefix != "" {
		query += ` WHERE key LIKE ? ESCAPE '\'`
		args = append(args, escapeLikePrefix(prefix)+"%")
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries`)
	return err
}

func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	return s.reapExpired(ctx)
}

func (s *SQLiteStore) reapExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UnixNano())
	return err
}

// escapeLikePrefix escapes SQL LIKE metacharacters in a literal prefix so
// key names containing "%" or "_" are matched literally.
func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return replacer.Replace(prefix)
}
