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

const mediaColumns = `id, collection_id, message_id, filename, mime_type, size, checksum, blob_path, generated_chunk_ids, created_at`

func scanMedia(row interface{ Scan(...any) error }) (*models.Media, error) {
	var m models.Media
	var message sql.NullString
	var generated string
	if err := row.Scan(&m.ID, &m.CollectionID, &message, &m.Filename, &m.MimeType, &m.Size,
		&m.Checksum, &m.BlobPath, &generated, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.MessageID = message.String
	if err := json.Unmarshal([]byte(generated), &m.GeneratedChunkIDs); err != nil {
		return nil, fmt.Errorf("index: media %s generated chunks: %w", m.ID, err)
	}
	if m.GeneratedChunkIDs == nil {
		m.GeneratedChunkIDs = []string{}
	}
	return &m, nil
}

// PutMedia records a media asset. The collection, the optional message and
// every generated chunk must already exist.
func (db *DB) PutMedia(ctx context.Context, m *models.Media) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = db.now()
	}
	if m.GeneratedChunkIDs == nil {
		m.GeneratedChunkIDs = []string{}
	}
	generated, _ := json.Marshal(m.GeneratedChunkIDs)

	return db.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, m.CollectionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("index: collection %s: %w", m.CollectionID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("index: put media: %w", err)
		}
		if m.MessageID != "" {
			var collection string
			err := tx.QueryRowContext(ctx, `SELECT collection_id FROM messages WHERE id = ?`, m.MessageID).Scan(&collection)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("index: message %s: %w", m.MessageID, apperr.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("index: put media: %w", err)
			}
			if collection != m.CollectionID {
				return fmt.Errorf("index: message %s is not in collection %s: %w", m.MessageID, m.CollectionID, apperr.ErrInvalid)
			}
		}
		for _, id := range m.GeneratedChunkIDs {
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("index: media %s: %w", m.ID, &apperr.DanglingReferenceError{From: m.ID, To: id})
			}
			if err != nil {
				return fmt.Errorf("index: put media: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO media (id, collection_id, message_id, filename, mime_type, size, checksum,
				blob_path, generated_chunk_ids, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.CollectionID, nullString(m.MessageID), m.Filename, m.MimeType, m.Size, m.Checksum,
			m.BlobPath, string(generated), m.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("index: media %s: %w", m.ID, apperr.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("index: put media: %w", err)
		}
		return nil
	})
}

// GetMedia returns one media row or apperr.ErrNotFound.
func (db *DB) GetMedia(ctx context.Context, id string) (*models.Media, error) {
	m, err := scanMedia(db.conn.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: media %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get media: %w", err)
	}
	return m, nil
}

// ListMediaForMessage returns the media attached to a message.
func (db *DB) ListMediaForMessage(ctx context.Context, messageID string) ([]models.Media, error) {
	return db.listMedia(ctx, `message_id = ?`, messageID)
}

// ListMedia returns the media of a collection.
func (db *DB) ListMedia(ctx context.Context, collectionID string) ([]models.Media, error) {
	return db.listMedia(ctx, `collection_id = ?`, collectionID)
}

func (db *DB) listMedia(ctx context.Context, where string, arg any) ([]models.Media, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("index: list media: %w", err)
	}
	defer rows.Close()
	out := []models.Media{}
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// pruneMediaRefs drops deleted chunk ids from media generated_chunk_ids.
func pruneMediaRefs(ctx context.Context, tx *sql.Tx, ids []string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT m.id, m.generated_chunk_ids FROM media m
		WHERE EXISTS (
			SELECT 1 FROM json_each(m.generated_chunk_ids) j
			WHERE j.value IN (`+placeholders(len(ids))+`)
		)
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("index: find media refs: %w", err)
	}
	type ref struct {
		id  string
		ids []string
	}
	var refs []ref
	for rows.Next() {
		var r ref
		var raw string
		if err := rows.Scan(&r.id, &raw); err != nil {
			rows.Close()
			return err
		}
		_ = json.Unmarshal([]byte(raw), &r.ids)
		refs = append(refs, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	for _, r := range refs {
		kept := []string{}
		for _, id := range r.ids {
			if _, ok := gone[id]; !ok {
				kept = append(kept, id)
			}
		}
		data, _ := json.Marshal(kept)
		if _, err := tx.ExecContext(ctx, `UPDATE media SET generated_chunk_ids = ? WHERE id = ?`, string(data), r.id); err != nil {
			return fmt.Errorf("index: prune media refs: %w", err)
		}
	}
	return nil
}

// DeleteMedia removes a media row and returns it so the caller can release
// the blob.
func (db *DB) DeleteMedia(ctx context.Context, id string) (*models.Media, error) {
	m, err := db.GetMedia(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("index: delete media: %w", err)
	}
	return m, nil
}

// BlobInUse reports whether any media row still points at path. Blobs are
// content-addressed and may be shared between rows.
func (db *DB) BlobInUse(ctx context.Context, path string) (bool, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM media WHERE blob_path = ?`, path).Scan(&n); err != nil {
		return false, fmt.Errorf("index: blob refs: %w", err)
	}
	return n > 0, nil
}
