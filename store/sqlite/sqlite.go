// Package sqlite implements the permcache durable tier on modernc.org/sqlite.
// A file-backed database is the closest Go analog of an origin-scoped store:
// every process of the same installation shares the file, and rows written by
// one session warm-start the next.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	st "github.com/unkn0wn-root/permcache/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS permission_cache (
	key        TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_permission_cache_subject ON permission_cache(subject_id);
CREATE INDEX IF NOT EXISTS idx_permission_cache_expires ON permission_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_permission_cache_created ON permission_cache(created_at);
`

type Store struct {
	db *sql.DB
}

var _ st.Store = (*Store)(nil)

type Config struct {
	// Path to the database file. Empty selects a shared in-memory database,
	// useful for tests and for callers that only want process-lifetime
	// durability.
	Path string
	// BusyTimeoutMillis bounds waiting on a locked database. 0 => 5000.
	BusyTimeoutMillis int
}

// Open opens (creating if needed) the database and ensures the schema.
// Callers that want the degrade-to-fast-tier behavior should treat an Open
// error as "run without a durable tier", not as fatal.
func Open(cfg Config) (*Store, error) {
	busy := cfg.BusyTimeoutMillis
	if busy <= 0 {
		busy = 5000
	}

	var dsn string
	if cfg.Path == "" {
		dsn = "file::memory:?cache=shared"
	} else {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create dir: %w", err)
			}
		}
		dsn = cfg.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY
	// churn under concurrent fire-and-forget puts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM permission_cache WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *Store) Put(ctx context.Context, m st.Meta, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_cache (key, subject_id, created_at, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   subject_id = excluded.subject_id,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at,
		   payload    = excluded.payload`,
		m.Key, m.SubjectID, m.CreatedAt.UnixMilli(), m.ExpiresAt.UnixMilli(), value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM permission_cache WHERE key = ?`, key)
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM permission_cache`)
	return err
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_cache WHERE expires_at <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountBySubject reports how many rows a subject currently owns. Exposed for
// operational inspection; not part of store.Store.
func (s *Store) CountBySubject(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM permission_cache WHERE subject_id = ?`, subjectID).Scan(&n)
	return n, err
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
