package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

const messageColumns = `id, collection_id, sequence, role, parent_message_id, content, summary_chunk_id,
	state, status, last_error, source_ref, metadata, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var parent, summary sql.NullString
	var state, status, meta string
	if err := row.Scan(&m.ID, &m.CollectionID, &m.Sequence, &m.Role, &parent, &m.Content, &summary,
		&state, &status, &m.LastError, &m.SourceRef, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.ParentMessageID = parent.String
	m.SummaryChunkID = summary.String
	m.State = models.HierarchyState(state)
	m.Status = models.MessageStatus(status)
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return nil, fmt.Errorf("index: message %s metadata: %w", m.ID, err)
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateMessage inserts m in state Empty and bumps the collection's message
// counter. A taken (collection, sequence) pair is apperr.ErrConflict.
func (db *DB) CreateMessage(ctx context.Context, m *models.Message) error {
	now := db.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.State = models.StateEmpty
	m.Status = models.StatusPending
	m.SummaryChunkID = ""
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("index: message metadata: %w", err)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, m.CollectionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("index: collection %s: %w", m.CollectionID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("index: create message: %w", err)
		}
		if m.ParentMessageID != "" {
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, m.ParentMessageID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("index: parent message %s: %w", m.ParentMessageID, apperr.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("index: create message: %w", err)
			}
		}

		var taken string
		err = tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE id = ?`, m.ID).Scan(&taken)
		if err == nil {
			return fmt.Errorf("index: message %s: %w", m.ID, apperr.ErrAlreadyExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("index: create message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, collection_id, sequence, role, parent_message_id, content,
				state, status, source_ref, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.CollectionID, m.Sequence, m.Role, nullString(m.ParentMessageID), m.Content,
			string(m.State), string(m.Status), m.SourceRef, string(meta), m.CreatedAt, m.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("index: sequence %d in collection %s: %w", m.Sequence, m.CollectionID, apperr.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("index: insert message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE collections SET message_count = message_count + 1 WHERE id = ?`, m.CollectionID)
		if err != nil {
			return fmt.Errorf("index: update counters: %w", err)
		}
		return nil
	})
}

// GetMessage returns the message or apperr.ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: message %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get message: %w", err)
	}
	return m, nil
}

// ListMessages returns a page of a collection's messages in sequence order.
func (db *DB) ListMessages(ctx context.Context, collectionID string, limit, offset int) ([]models.Message, int, error) {
	if limit <= 0 {
		limit = 100
	}
	var total int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE collection_id = ?`, collectionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count messages: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE collection_id = ?
		ORDER BY sequence
		LIMIT ? OFFSET ?
	`, collectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list messages: %w", err)
	}
	out, err := collectMessages(rows)
	return out, total, err
}

// ListIncompleteMessages returns every message not yet Linked, oldest first.
func (db *DB) ListIncompleteMessages(ctx context.Context) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE state != ?
		ORDER BY created_at, id
	`, string(models.StateLinked))
	if err != nil {
		return nil, fmt.Errorf("index: incomplete messages: %w", err)
	}
	return collectMessages(rows)
}

// MessageBySourceRef finds a message previously ingested from ref.
func (db *DB) MessageBySourceRef(ctx context.Context, collectionID, ref string) (*models.Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE collection_id = ? AND source_ref = ?
		ORDER BY sequence DESC LIMIT 1
	`, collectionID, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: message for %s: %w", ref, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: message by source: %w", err)
	}
	return m, nil
}

// NextSequence returns one past the highest sequence in the collection.
func (db *DB) NextSequence(ctx context.Context, collectionID string) (int, error) {
	var next int
	err := db.conn.QueryRowContext(ctx,
		`SELECT coalesce(max(sequence), -1) + 1 FROM messages WHERE collection_id = ?`, collectionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("index: next sequence: %w", err)
	}
	return next, nil
}

// SetMessageStatus records the user-visible status without touching state.
func (db *DB) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus, lastError string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(status), lastError, db.now(), id)
	if err != nil {
		return fmt.Errorf("index: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index: message %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	out := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// advance moves a message from one state to the next inside tx. It reports
// false, without error, when the message is no longer in from: another
// builder got there first.
func (db *DB) advance(ctx context.Context, tx *sql.Tx, id string, from, to models.HierarchyState) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET state = ?, status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND state = ?
	`, string(to), string(models.StatusFor(to)), db.now(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("index: advance %s -> %s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
