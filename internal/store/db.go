// Package store provides the local entity store: one CRUD collection per
// entity type, held in memory and persisted to an embedded SQLite
// database.
//
// Records are stored as JSON documents in a single table keyed by
// (collection, id). The database runs in embedded mode with WAL enabled
// for concurrent reads. Each collection exclusively owns its in-memory
// records; the sync orchestrator reads them to serialize and writes back
// only through ReplaceAll during a merge-triggered reload.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/finchley/finch/internal/model"
)

// DB wraps the embedded SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// OpenDB opens (creating if needed) the record database at path.
// The caller must Close it.
func OpenDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(collection, updated_at);
`
	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// row is a persisted record document.
type row struct {
	ID        string
	Body      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *DB) upsert(ctx context.Context, collection model.EntityType, r row) error {
	const q = `
INSERT INTO records (collection, id, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (collection, id) DO UPDATE SET
	body = excluded.body,
	updated_at = excluded.updated_at`
	_, err := d.conn.ExecContext(ctx, q,
		string(collection), r.ID, string(r.Body),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, r.ID, err)
	}
	return nil
}

func (d *DB) delete(ctx context.Context, collection model.EntityType, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND id = ?", string(collection), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *DB) list(ctx context.Context, collection model.EntityType) ([][]byte, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT body FROM records WHERE collection = ? ORDER BY created_at, id", string(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, []byte(body))
	}
	return out, rows.Err()
}

// replaceAll swaps a collection's persisted rows in a single transaction
// so a merge reload can never be observed half-applied on disk.
func (d *DB) replaceAll(ctx context.Context, collection model.EntityType, rs []row) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ?", string(collection)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	const q = `INSERT INTO records (collection, id, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	for _, r := range rs {
		if _, err := tx.ExecContext(ctx, q,
			string(collection), r.ID, string(r.Body),
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", collection, r.ID, err)
		}
	}
	return tx.Commit()
}

func marshalRecord(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return b, nil
}
