//go:build sqlite_vec && cgo

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// sqliteVecMemory implements VectorMemory over the sqlite-vec extension,
// which requires cgo and the mattn/go-sqlite3 driver (the vec0 virtual
// table is a C extension; modernc.org/sqlite's pure-Go driver cannot load
// it). Grounded on internal/store/init_vec.go and vector_store.go.
type sqliteVecMemory struct {
	mu  sync.Mutex
	db  *sql.DB
	dim int
}

// NewVectorMemory opens (or creates) a sqlite-vec backed vector memory at
// path with the given embedding dimension.
func NewVectorMemory(path string, dim int) (VectorMemory, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	var vecVersion string
	if err := db.QueryRow(`SELECT vec_version()`).Scan(&vecVersion); err != nil {
		db.Close()
		return &disabledVectorMemory{}, nil
	}

	if _, err := db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vector_memory USING vec0(embedding float[%d])`, dim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector_memory table: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS vector_memory_payload (rowid INTEGER PRIMARY KEY, key TEXT UNIQUE, payload TEXT)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector_memory_payload table: %w", err)
	}

	return &sqliteVecMemory{db: db, dim: dim}, nil
}

func (v *sqliteVecMemory) Enabled() bool { return true }

func (v *sqliteVecMemory) Put(ctx context.Context, key string, embedding []float32, payload string) error {
	if len(embedding) != v.dim {
		return fmt.Errorf("embedding dimension %d does not match memory dimension %d", len(embedding), v.dim)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vector_memory_payload(key, payload) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`, key, payload); err != nil {
		return fmt.Errorf("put vector payload: %w", err)
	}

	var rowid int64
	if err := tx.QueryRowContext(ctx, `SELECT rowid FROM vector_memory_payload WHERE key = ?`, key).Scan(&rowid); err != nil {
		return fmt.Errorf("put vector rowid lookup: %w", err)
	}

	raw, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vector_memory(rowid, embedding) VALUES(?, ?)
		 ON CONFLICT(rowid) DO UPDATE SET embedding = excluded.embedding`, rowid, raw); err != nil {
		return fmt.Errorf("put vector embedding: %w", err)
	}
	return tx.Commit()
}

func (v *sqliteVecMemory) Query(ctx context.Context, query []float32, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 5
	}
	raw, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rows, err := v.db.QueryContext(ctx, `
		SELECT p.payload FROM vector_memory_payload p
		JOIN (
			SELECT rowid, distance FROM vector_memory
			WHERE embedding MATCH ? AND k = ?
			ORDER BY distance
		) m ON m.rowid = p.rowid
	`, raw, topK)
	if err != nil {
		return nil, fmt.Errorf("query vector memory: %w", err)
	}
	defer rows.Close()

	var payloads []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan vector memory row: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, rows.Err()
}

func (v *sqliteVecMemory) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.db.Close()
}
