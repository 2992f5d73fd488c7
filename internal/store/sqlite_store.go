package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default Store implementation: a single-writer SQLite
// database in WAL mode, the same configuration the teacher repo's
// LocalStore uses for its own embedded storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and applies the schema. path may be ":memory:" for ephemeral stores
// used in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL and keeps
	// the atomic set/stream operations trivially serializable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_records (
			key   TEXT PRIMARY KEY,
			data  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_sets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			stream     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_entries_stream_id ON stream_entries(stream, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, key string, fields Fields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields for %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv_records(key, data) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Fields, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM kv_records WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	var fields Fields
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, false, fmt.Errorf("unmarshal fields for %s: %w", key, err)
	}
	return fields, true, nil
}

// UpdateFields is a read-modify-write under the store's single writer
// connection. Status fields are monotone and idempotent (spec §4.1), so
// last-writer-wins on concurrent callers is acceptable.
func (s *SQLiteStore) UpdateFields(ctx context.Context, key string, delta Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	var data string
	fields := Fields{}
	err = tx.QueryRowContext(ctx, `SELECT data FROM kv_records WHERE key = ?`, key).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		// fields stays empty
	case err != nil:
		return fmt.Errorf("update %s: select: %w", key, err)
	default:
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return fmt.Errorf("update %s: unmarshal: %w", key, err)
		}
	}

	for k, v := range delta {
		fields[k] = v
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("update %s: marshal: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_records(key, data) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		key, string(encoded)); err != nil {
		return fmt.Errorf("update %s: exec: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddToSet(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_sets(key, member) VALUES(?, ?) ON CONFLICT(key, member) DO NOTHING`,
		key, member)
	if err != nil {
		return fmt.Errorf("addToSet %s/%s: %w", key, member, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveFromSet(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, member)
	if err != nil {
		return fmt.Errorf("removeFromSet %s/%s: %w", key, member, err)
	}
	return nil
}

func (s *SQLiteStore) Members(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_sets WHERE key = ? ORDER BY member`, key)
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", key, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("members %s: scan: %w", key, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, stream string, fields Fields) (int64, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("append %s: marshal: %w", stream, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_entries(stream, data, created_at) VALUES(?, ?, ?)`,
		stream, string(data), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", stream, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s: last insert id: %w", stream, err)
	}
	return id, nil
}

func (s *SQLiteStore) ReadFrom(ctx context.Context, stream string, lastID int64, maxCount int, blockFor time.Duration) ([]Entry, error) {
	if maxCount <= 0 {
		maxCount = 100
	}

	deadline := time.Now().Add(blockFor)
	const pollInterval = 25 * time.Millisecond
	for {
		entries, err := s.readOnce(ctx, stream, lastID, maxCount)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || blockFor <= 0 || time.Now().After(deadline) {
			return entries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *SQLiteStore) readOnce(ctx context.Context, stream string, lastID int64, maxCount int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, created_at FROM stream_entries
		 WHERE stream = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		stream, lastID, maxCount)
	if err != nil {
		return nil, fmt.Errorf("readFrom %s: %w", stream, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id        int64
			data      string
			createdAt int64
		)
		if err := rows.Scan(&id, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("readFrom %s: scan: %w", stream, err)
		}
		var fields Fields
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return nil, fmt.Errorf("readFrom %s: unmarshal: %w", stream, err)
		}
		entries = append(entries, Entry{
			ID:        id,
			Stream:    stream,
			Fields:    fields,
			CreatedAt: time.Unix(0, createdAt),
		})
	}
	return entries, rows.Err()
}
