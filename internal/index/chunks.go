package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

const chunkColumns = `c.id, c.message_id, c.content, c.level, c.sequence, c.char_start, c.char_end,
	c.paragraph, c.token_count, c.is_summary, c.summary_kind, c.embedding, c.embedding_model, c.created_at`

const levelOrder = `CASE c.level WHEN 'document' THEN 0 WHEN 'section' THEN 1 ELSE 2 END`

func scanChunk(row interface{ Scan(...any) error }) (*models.Chunk, error) {
	var c models.Chunk
	var level, kind string
	var start, end sql.NullInt64
	var blob []byte
	if err := row.Scan(&c.ID, &c.MessageID, &c.Content, &level, &c.Sequence, &start, &end,
		&c.Paragraph, &c.TokenCount, &c.IsSummary, &kind, &blob, &c.EmbeddingModel, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Level = models.Level(level)
	c.SummaryKind = models.SummaryKind(kind)
	if start.Valid && end.Valid {
		c.Span = &models.Span{Start: int(start.Int64), End: int(end.Int64)}
	}
	if len(blob) > 0 {
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("index: chunk %s embedding: %w", c.ID, err)
		}
		c.Embedding = vec
	}
	return &c, nil
}

func collectChunks(rows *sql.Rows) ([]*models.Chunk, error) {
	defer rows.Close()
	var out []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// loadSummarizes fills Summarizes for the summary chunks in cs.
func loadSummarizes(ctx context.Context, q querier, cs []*models.Chunk) error {
	byID := make(map[string]*models.Chunk)
	var ids []string
	for _, c := range cs {
		if c.IsSummary {
			byID[c.ID] = c
			ids = append(ids, c.ID)
			c.Summarizes = nil
		}
	}
	for _, batch := range batches(ids, 500) {
		rows, err := q.QueryContext(ctx, `
			SELECT parent_id, child_id FROM chunk_children
			WHERE parent_id IN (`+placeholders(len(batch))+`)
			ORDER BY parent_id, position
		`, stringArgs(batch)...)
		if err != nil {
			return fmt.Errorf("index: load children: %w", err)
		}
		for rows.Next() {
			var parent, child string
			if err := rows.Scan(&parent, &child); err != nil {
				rows.Close()
				return err
			}
			byID[parent].Summarizes = append(byID[parent].Summarizes, child)
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// insertChunk validates c against the store and writes it. Summaries must
// reference existing chunks of the same message at a strictly lower level,
// which keeps the summarizes relation acyclic.
func (db *DB) insertChunk(ctx context.Context, tx *sql.Tx, c *models.Chunk) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("index: %v: %w", err, apperr.ErrInvalid)
	}
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, c.MessageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("index: message %s: %w", c.MessageID, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("index: insert chunk: %w", err)
	}

	if c.IsSummary {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, message_id, level FROM chunks WHERE id IN (`+placeholders(len(c.Summarizes))+`)
		`, stringArgs(c.Summarizes)...)
		if err != nil {
			return fmt.Errorf("index: check children: %w", err)
		}
		type child struct{ message, level string }
		found := make(map[string]child, len(c.Summarizes))
		for rows.Next() {
			var id string
			var ch child
			if err := rows.Scan(&id, &ch.message, &ch.level); err != nil {
				rows.Close()
				return err
			}
			found[id] = ch
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range c.Summarizes {
			ch, ok := found[id]
			if !ok || ch.message != c.MessageID {
				return fmt.Errorf("index: %w", &apperr.DanglingReferenceError{From: c.ID, To: id})
			}
			if models.Level(ch.level).Rank() >= c.Level.Rank() {
				return fmt.Errorf("index: chunk %s: child %s is not below level %s: %w", c.ID, id, c.Level, apperr.ErrInvalid)
			}
		}
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = db.now()
	}
	var start, end sql.NullInt64
	if c.Span != nil {
		start = sql.NullInt64{Int64: int64(c.Span.Start), Valid: true}
		end = sql.NullInt64{Int64: int64(c.Span.End), Valid: true}
	}
	var blob []byte
	if c.HasEmbedding() {
		blob = encodeVector(c.Embedding)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (id, message_id, content, level, sequence, char_start, char_end, paragraph,
			token_count, is_summary, summary_kind, embedding, embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.MessageID, c.Content, string(c.Level), c.Sequence, start, end, c.Paragraph,
		c.TokenCount, c.IsSummary, string(c.SummaryKind), blob, c.EmbeddingModel, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("index: chunk %s: %w", c.ID, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("index: insert chunk: %w", err)
	}

	for pos, child := range c.Summarizes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_children (parent_id, child_id, position) VALUES (?, ?, ?)`,
			c.ID, child, pos); err != nil {
			return fmt.Errorf("index: insert child edge: %w", err)
		}
	}
	return ftsInsert(ctx, tx, c.ID, c.Content)
}

// PutChunk stores a single chunk. Chunks are append-only: an existing id is
// apperr.ErrAlreadyExists. A summary must keep the message a tree: a second
// document summary, or a summary over a child that already has a parent of
// the same kind, is apperr.ErrConflict.
func (db *DB) PutChunk(ctx context.Context, c *models.Chunk) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkPlacement(ctx, tx, c); err != nil {
			return err
		}
		if err := db.insertChunk(ctx, tx, c); err != nil {
			return err
		}
		return bumpCollectionCounters(ctx, tx, c.MessageID, 1, c.TokenCount)
	})
}

func checkPlacement(ctx context.Context, tx *sql.Tx, c *models.Chunk) error {
	if !c.IsSummary {
		return nil
	}
	if c.SummaryKind == models.SummaryDocument {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM chunks WHERE message_id = ? AND summary_kind = ?`,
			c.MessageID, string(models.SummaryDocument)).Scan(&n)
		if err != nil {
			return fmt.Errorf("index: count document summaries: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("index: message %s already has a document summary: %w", c.MessageID, apperr.ErrConflict)
		}
	}
	if len(c.Summarizes) == 0 {
		return nil
	}
	var child, parent string
	err := tx.QueryRowContext(ctx, `
		SELECT cc.child_id, cc.parent_id FROM chunk_children cc
		JOIN chunks p ON p.id = cc.parent_id
		WHERE p.summary_kind = ? AND cc.child_id IN (`+placeholders(len(c.Summarizes))+`)
		LIMIT 1
	`, append([]any{string(c.SummaryKind)}, stringArgs(c.Summarizes)...)...).Scan(&child, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: check parents: %w", err)
	}
	return fmt.Errorf("index: chunk %s already summarized by %s: %w", child, parent, apperr.ErrConflict)
}

// CommitLeaves stores a message's leaves and moves it from Empty to
// LeavesCreated in one transaction. It reports false when the message had
// already left Empty, in which case nothing is written.
func (db *DB) CommitLeaves(ctx context.Context, messageID string, leaves []models.Chunk) (bool, error) {
	var applied bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := db.advance(ctx, tx, messageID, models.StateEmpty, models.StateLeavesCreated)
		if err != nil || !ok {
			return err
		}
		tokens := 0
		for i := range leaves {
			if leaves[i].MessageID != messageID || leaves[i].IsSummary {
				return fmt.Errorf("index: leaf %s does not belong to %s: %w", leaves[i].ID, messageID, apperr.ErrInvalid)
			}
			if err := db.insertChunk(ctx, tx, &leaves[i]); err != nil {
				return err
			}
			tokens += leaves[i].TokenCount
		}
		applied = true
		return bumpCollectionCounters(ctx, tx, messageID, len(leaves), tokens)
	})
	return applied, err
}

// CommitSections stores section summaries and moves the message from
// LeavesCreated to SectionsCreated. No leaf may appear in two sections.
func (db *DB) CommitSections(ctx context.Context, messageID string, sections []models.Chunk) (bool, error) {
	var applied bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := db.advance(ctx, tx, messageID, models.StateLeavesCreated, models.StateSectionsCreated)
		if err != nil || !ok {
			return err
		}
		covered := make(map[string]string)
		tokens := 0
		for i := range sections {
			s := &sections[i]
			if s.MessageID != messageID || s.SummaryKind != models.SummarySection {
				return fmt.Errorf("index: section %s does not belong to %s: %w", s.ID, messageID, apperr.ErrInvalid)
			}
			for _, leaf := range s.Summarizes {
				if other, dup := covered[leaf]; dup {
					return fmt.Errorf("index: leaf %s in sections %s and %s: %w", leaf, other, s.ID, apperr.ErrInvalid)
				}
				covered[leaf] = s.ID
			}
			if err := db.insertChunk(ctx, tx, s); err != nil {
				return err
			}
			tokens += s.TokenCount
		}
		applied = true
		return bumpCollectionCounters(ctx, tx, messageID, len(sections), tokens)
	})
	return applied, err
}

// CommitDocumentSummary stores the single document summary, points the
// message at it, and moves the message to DocumentSummaryCreated.
func (db *DB) CommitDocumentSummary(ctx context.Context, messageID string, doc *models.Chunk) (bool, error) {
	var applied bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := db.advance(ctx, tx, messageID, models.StateSectionsCreated, models.StateDocumentSummaryCreated)
		if err != nil || !ok {
			return err
		}
		if doc.MessageID != messageID || doc.SummaryKind != models.SummaryDocument {
			return fmt.Errorf("index: document summary %s does not belong to %s: %w", doc.ID, messageID, apperr.ErrInvalid)
		}
		if err := db.insertChunk(ctx, tx, doc); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET summary_chunk_id = ? WHERE id = ? AND summary_chunk_id IS NULL
		`, doc.ID, messageID)
		if err != nil {
			return fmt.Errorf("index: set summary chunk: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("index: message %s already has a summary chunk: %w", messageID, apperr.ErrConflict)
		}
		applied = true
		return bumpCollectionCounters(ctx, tx, messageID, 1, doc.TokenCount)
	})
	return applied, err
}

// MarkLinked finishes the hierarchy of a message.
func (db *DB) MarkLinked(ctx context.Context, messageID string) (bool, error) {
	var applied bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := db.advance(ctx, tx, messageID, models.StateDocumentSummaryCreated, models.StateLinked)
		applied = ok
		return err
	})
	return applied, err
}

// GetChunk returns a chunk with its Summarizes list, or apperr.ErrNotFound.
func (db *DB) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	c, err := scanChunk(db.conn.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: chunk %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get chunk: %w", err)
	}
	if err := loadSummarizes(ctx, db.conn, []*models.Chunk{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// GetChunks returns the chunks that exist among ids, keyed by id.
func (db *DB) GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error) {
	out := make(map[string]*models.Chunk, len(ids))
	for _, batch := range batches(ids, 500) {
		rows, err := db.conn.QueryContext(ctx,
			`SELECT `+chunkColumns+` FROM chunks c WHERE c.id IN (`+placeholders(len(batch))+`)`,
			stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("index: get chunks: %w", err)
		}
		cs, err := collectChunks(rows)
		if err != nil {
			return nil, err
		}
		if err := loadSummarizes(ctx, db.conn, cs); err != nil {
			return nil, err
		}
		for _, c := range cs {
			out[c.ID] = c
		}
	}
	return out, nil
}

// GetChildren returns the chunks a summary condenses, in order. Leaves have
// no children.
func (db *DB) GetChildren(ctx context.Context, id string) ([]models.Chunk, error) {
	if _, err := db.GetChunk(ctx, id); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks c
		JOIN chunk_children cc ON cc.child_id = c.id
		WHERE cc.parent_id = ?
		ORDER BY cc.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("index: get children: %w", err)
	}
	cs, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	if err := loadSummarizes(ctx, db.conn, cs); err != nil {
		return nil, err
	}
	return deref(cs), nil
}

// GetParents returns the summaries that directly condense id.
func (db *DB) GetParents(ctx context.Context, id string) ([]models.Chunk, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks c
		JOIN chunk_children cc ON cc.parent_id = c.id
		WHERE cc.child_id = ?
		ORDER BY c.sequence
	`, id)
	if err != nil {
		return nil, fmt.Errorf("index: get parents: %w", err)
	}
	cs, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	if err := loadSummarizes(ctx, db.conn, cs); err != nil {
		return nil, err
	}
	return deref(cs), nil
}

// Ancestors walks summarizes edges upward from id and returns every summary
// above it, nearest first.
func (db *DB) Ancestors(ctx context.Context, id string) ([]models.Chunk, error) {
	var out []models.Chunk
	seen := map[string]struct{}{id: {}}
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for _, cur := range frontier {
			parents, err := db.GetParents(ctx, cur)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				if _, ok := seen[p.ID]; ok {
					continue
				}
				seen[p.ID] = struct{}{}
				out = append(out, p)
				next = append(next, p.ID)
			}
		}
		frontier = next
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level.Rank() < out[j].Level.Rank() })
	return out, nil
}

// ListChunks returns a message's chunks, document first, then sections,
// then leaves, each in sequence order. An empty levels means all levels.
func (db *DB) ListChunks(ctx context.Context, messageID string, levels ...models.Level) ([]models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.message_id = ?`
	args := []any{messageID}
	if len(levels) > 0 {
		query += ` AND c.level IN (` + placeholders(len(levels)) + `)`
		for _, l := range levels {
			args = append(args, string(l))
		}
	}
	query += ` ORDER BY ` + levelOrder + `, c.sequence`
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list chunks: %w", err)
	}
	cs, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	if err := loadSummarizes(ctx, db.conn, cs); err != nil {
		return nil, err
	}
	return deref(cs), nil
}

// DeleteChunk removes a chunk. Because the message's summaries were derived
// from a tree that no longer exists, every summary of that message goes too
// and the message drops back to LeavesCreated for a rebuild. Relationships
// touching removed chunks are removed by cascade.
func (db *DB) DeleteChunk(ctx context.Context, id string) (Deleted, error) {
	var del Deleted
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var messageID string
		err := tx.QueryRowContext(ctx, `SELECT message_id FROM chunks WHERE id = ?`, id).Scan(&messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("index: chunk %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("index: delete chunk: %w", err)
		}
		ids, err := queryStrings(ctx, tx,
			`SELECT id FROM chunks WHERE message_id = ? AND is_summary = 1 AND id != ?`, messageID, id)
		if err != nil {
			return fmt.Errorf("index: delete chunk: %w", err)
		}
		del.ChunkIDs = append([]string{id}, ids...)
		return db.deleteChunks(ctx, tx, messageID, del.ChunkIDs)
	})
	if err != nil {
		return Deleted{}, err
	}
	return del, nil
}

// DeleteSummaries drops every summary of a message, leaving its leaves, and
// resets the message to LeavesCreated.
func (db *DB) DeleteSummaries(ctx context.Context, messageID string) ([]string, error) {
	var ids []string
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM messages WHERE id = ?`, messageID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("index: message %s: %w", messageID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("index: delete summaries: %w", err)
		}
		if models.HierarchyState(state) == models.StateEmpty {
			return fmt.Errorf("index: message %s has no leaves yet: %w", messageID, apperr.ErrConflict)
		}
		ids, err = queryStrings(ctx, tx,
			`SELECT id FROM chunks WHERE message_id = ? AND is_summary = 1`, messageID)
		if err != nil {
			return fmt.Errorf("index: delete summaries: %w", err)
		}
		return db.deleteChunks(ctx, tx, messageID, ids)
	})
	return ids, err
}

func (db *DB) deleteChunks(ctx context.Context, tx *sql.Tx, messageID string, ids []string) error {
	if len(ids) > 0 {
		var tokens int
		if err := tx.QueryRowContext(ctx,
			`SELECT coalesce(sum(token_count), 0) FROM chunks WHERE id IN (`+placeholders(len(ids))+`)`,
			stringArgs(ids)...).Scan(&tokens); err != nil {
			return fmt.Errorf("index: delete chunks: %w", err)
		}
		if err := ftsDelete(ctx, tx, ids); err != nil {
			return err
		}
		if err := pruneMediaRefs(ctx, tx, ids); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...); err != nil {
			return fmt.Errorf("index: delete chunks: %w", err)
		}
		if err := bumpCollectionCounters(ctx, tx, messageID, -len(ids), -tokens); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET
			summary_chunk_id = NULL,
			state = CASE WHEN state = ? THEN state ELSE ? END,
			status = CASE WHEN state = ? THEN status ELSE ? END,
			updated_at = ?
		WHERE id = ?
	`, string(models.StateEmpty), string(models.StateLeavesCreated),
		string(models.StateEmpty), string(models.StatusPartial), db.now(), messageID)
	if err != nil {
		return fmt.Errorf("index: reset message state: %w", err)
	}
	return nil
}

func deref(cs []*models.Chunk) []models.Chunk {
	out := make([]models.Chunk, len(cs))
	for i, c := range cs {
		out[i] = *c
	}
	return out
}
