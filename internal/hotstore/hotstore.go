// Package hotstore owns the per-stream SQLite-backed hot log: the four
// relations spec.md §4.2 names (stream_meta, ops, producers, segments)
// and the typed queries the stream engine needs against them.
//
// Grounded on the teacher's store/bbolt.go: that file's
// "db.Update(func(tx *bbolt.Tx) error {...})" transactional-closure idiom
// is the same shape as the Batch method here, adapted from bbolt's single
// KV bucket to database/sql's relational tables. One hotstore.DB exists
// per sequencer instance (one stream per SQLite file), matching
// spec.md §3's "single-row per sequencer" stream_meta relation.
package hotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("hotstore: not found")

// DB wraps one stream's SQLite file.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and applies
// the schema, including any pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hotstore: open %s: %w", filepath.Base(path), err)
	}
	conn.SetMaxOpenConns(1) // single-writer; avoid SQLITE_BUSY from our own connections
	d := &DB{conn: conn}
	if err := d.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// OpenMemory opens an in-process, non-persistent database — used by
// tests and by streams explicitly configured without durability.
func OpenMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, ":memory:")
}

// Close releases the underlying SQLite connection.
func (d *DB) Close() error { return d.conn.Close() }

const schemaV1 = `
CREATE TABLE IF NOT EXISTS stream_meta (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	project_id           TEXT NOT NULL,
	stream_id            TEXT NOT NULL,
	content_type         TEXT NOT NULL,
	closed               INTEGER NOT NULL DEFAULT 0,
	tail_offset          INTEGER NOT NULL DEFAULT 0,
	read_seq             INTEGER NOT NULL DEFAULT 0,
	segment_start        INTEGER NOT NULL DEFAULT 0,
	segment_msg_count    INTEGER NOT NULL DEFAULT 0,
	segment_byte_count   INTEGER NOT NULL DEFAULT 0,
	last_stream_seq      TEXT NOT NULL DEFAULT '',
	ttl_seconds          INTEGER,
	expires_at           INTEGER,
	created_at           INTEGER NOT NULL,
	close_producer_id    TEXT,
	close_producer_epoch INTEGER,
	close_producer_seq   INTEGER
);

CREATE TABLE IF NOT EXISTS ops (
	start_offset   INTEGER NOT NULL PRIMARY KEY,
	end_offset     INTEGER NOT NULL,
	size_bytes     INTEGER NOT NULL,
	body           BLOB NOT NULL,
	created_at     INTEGER NOT NULL,
	stream_seq     TEXT,
	producer_id    TEXT,
	producer_epoch INTEGER,
	producer_seq   INTEGER
);

CREATE TABLE IF NOT EXISTS producers (
	producer_id  TEXT PRIMARY KEY,
	epoch        INTEGER NOT NULL,
	last_seq     INTEGER NOT NULL,
	last_offset  INTEGER NOT NULL,
	last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	read_seq      INTEGER PRIMARY KEY,
	object_key    TEXT NOT NULL,
	start_offset  INTEGER NOT NULL,
	end_offset    INTEGER NOT NULL,
	content_type  TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	expires_at    INTEGER
);
`

// migrate applies the base schema, then any idempotent post-deploy
// migrations. New columns are added with ALTER TABLE guarded by a
// duplicate-column check so re-running migrate on an already-migrated
// database is a no-op, mirroring spec.md §4.2's "tolerate a post-deploy
// column add for the public flag" requirement.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("hotstore: apply base schema: %w", err)
	}
	if err := d.addColumnIfMissing(ctx, "stream_meta", "public", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := d.addColumnIfMissing(ctx, "stream_meta", "retain_ops", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (d *DB) addColumnIfMissing(ctx context.Context, table, column, def string) error {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("hotstore: inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("hotstore: scan column info: %w", err)
		}
		if name == column {
			return nil // already migrated
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = d.conn.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def))
	if err != nil {
		return fmt.Errorf("hotstore: add column %s.%s: %w", table, column, err)
	}
	return nil
}

// Stmt is a single (sql, args) pair executed as part of a Batch.
type Stmt struct {
	SQL  string
	Args []any
}

// Batch executes every statement inside one transaction; if any
// statement fails, the whole batch rolls back. This is the hot-storage
// commit primitive the stream engine uses for append/close/rotate, so
// that "insert op(s) + updated meta + optional producer upsert + optional
// close transition" (spec.md §4.4) lands atomically.
func (d *DB) Batch(ctx context.Context, stmts ...Stmt) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hotstore: begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op if committed

	for i, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.SQL, s.Args...); err != nil {
			return fmt.Errorf("hotstore: batch statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}
