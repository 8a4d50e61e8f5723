// Package index is the SQLite-backed chunk store: collections, messages, the
// per-message chunk hierarchy, cross-cutting chunk relationships and media,
// with optional FTS5 keyword search.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	source_platform TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	message_count   INTEGER NOT NULL DEFAULT 0,
	chunk_count     INTEGER NOT NULL DEFAULT 0,
	token_count     INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	collection_id     TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	sequence          INTEGER NOT NULL,
	role              TEXT NOT NULL DEFAULT '',
	parent_message_id TEXT REFERENCES messages(id) ON DELETE SET NULL,
	content           TEXT NOT NULL,
	summary_chunk_id  TEXT,
	state             TEXT NOT NULL DEFAULT 'empty',
	status            TEXT NOT NULL DEFAULT 'pending',
	last_error        TEXT NOT NULL DEFAULT '',
	source_ref        TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT 'null',
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(collection_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);
CREATE INDEX IF NOT EXISTS idx_messages_source ON messages(collection_id, source_ref);

CREATE TABLE IF NOT EXISTS chunks (
	id              TEXT PRIMARY KEY,
	message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	content         TEXT NOT NULL,
	level           TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	char_start      INTEGER,
	char_end        INTEGER,
	paragraph       INTEGER NOT NULL DEFAULT 0,
	token_count     INTEGER NOT NULL DEFAULT 0,
	is_summary      INTEGER NOT NULL DEFAULT 0,
	summary_kind    TEXT NOT NULL DEFAULT '',
	embedding       BLOB,
	embedding_model TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_message ON chunks(message_id, level, sequence);

CREATE TABLE IF NOT EXISTS chunk_children (
	parent_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	child_id  TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	position  INTEGER NOT NULL,
	PRIMARY KEY (parent_id, child_id)
);

CREATE INDEX IF NOT EXISTS idx_chunk_children_child ON chunk_children(child_id);

CREATE TABLE IF NOT EXISTS chunk_relationships (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	target_id  TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	strength   REAL NOT NULL DEFAULT 1,
	metadata   TEXT NOT NULL DEFAULT 'null',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(source_id, target_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_rel_source ON chunk_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON chunk_relationships(target_id);

CREATE TABLE IF NOT EXISTS media (
	id                  TEXT PRIMARY KEY,
	collection_id       TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	message_id          TEXT REFERENCES messages(id) ON DELETE SET NULL,
	filename            TEXT NOT NULL DEFAULT '',
	mime_type           TEXT NOT NULL DEFAULT '',
	size                INTEGER NOT NULL DEFAULT 0,
	checksum            TEXT NOT NULL DEFAULT '',
	blob_path           TEXT NOT NULL DEFAULT '',
	generated_chunk_ids TEXT NOT NULL DEFAULT '[]',
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_media_message ON media(message_id);
`

// DB wraps a sql.DB with chunk-store operations.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	return &DB{conn: conn, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection; used by readiness probes.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
