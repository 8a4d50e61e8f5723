package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

// Deleted lists what a cascading delete removed, so callers can drop the
// matching vector index entries and media blobs.
type Deleted struct {
	ChunkIDs  []string
	BlobPaths []string
}

const collectionColumns = `id, type, title, source_platform, user_id, message_count, chunk_count, token_count, created_at`

func scanCollection(row interface{ Scan(...any) error }) (*models.Collection, error) {
	var c models.Collection
	var typ string
	if err := row.Scan(&c.ID, &typ, &c.Title, &c.SourcePlatform, &c.UserID,
		&c.MessageCount, &c.ChunkCount, &c.TokenCount, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Type = models.CollectionType(typ)
	return &c, nil
}

// CreateCollection inserts c. Counters start at zero regardless of c.
func (db *DB) CreateCollection(ctx context.Context, c *models.Collection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = db.now()
	}
	c.MessageCount, c.ChunkCount, c.TokenCount = 0, 0, 0
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO collections (id, type, title, source_platform, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, string(c.Type), c.Title, c.SourcePlatform, c.UserID, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("index: collection %s: %w", c.ID, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("index: create collection: %w", err)
	}
	return nil
}

// GetCollection returns the collection or apperr.ErrNotFound.
func (db *DB) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	c, err := scanCollection(db.conn.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: collection %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get collection: %w", err)
	}
	return c, nil
}

// ListCollections returns a page of collections, newest first, and the total.
func (db *DB) ListCollections(ctx context.Context, limit, offset int) ([]models.Collection, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM collections`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count collections: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+collectionColumns+` FROM collections
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list collections: %w", err)
	}
	defer rows.Close()

	out := []models.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// DeleteCollection removes the collection with all its messages, chunks,
// relationships touching those chunks, and media rows.
func (db *DB) DeleteCollection(ctx context.Context, id string) (Deleted, error) {
	var del Deleted
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("index: collection %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("index: delete collection: %w", err)
		}

		del.ChunkIDs, err = queryStrings(ctx, tx, `
			SELECT c.id FROM chunks c JOIN messages m ON m.id = c.message_id
			WHERE m.collection_id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("index: collection chunks: %w", err)
		}
		del.BlobPaths, err = queryStrings(ctx, tx,
			`SELECT blob_path FROM media WHERE collection_id = ? AND blob_path != ''`, id)
		if err != nil {
			return fmt.Errorf("index: collection media: %w", err)
		}
		if err := ftsDelete(ctx, tx, del.ChunkIDs); err != nil {
			return err
		}
		// Foreign keys cascade to messages, chunks, chunk_children,
		// chunk_relationships and media.
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
			return fmt.Errorf("index: delete collection: %w", err)
		}
		return nil
	})
	if err != nil {
		return Deleted{}, err
	}
	return del, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func bumpCollectionCounters(ctx context.Context, tx *sql.Tx, messageID string, chunks, tokens int) error {
	if chunks == 0 && tokens == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE collections SET
			chunk_count = max(0, chunk_count + ?),
			token_count = max(0, token_count + ?)
		WHERE id = (SELECT collection_id FROM messages WHERE id = ?)
	`, chunks, tokens, messageID)
	if err != nil {
		return fmt.Errorf("index: update counters: %w", err)
	}
	return nil
}
