//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsInsert(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`, chunkID, content)
	if err != nil {
		return fmt.Errorf("index: insert fts: %w", err)
	}
	return nil
}

func ftsDelete(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, batch := range batches(ids, 500) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE chunk_id IN (`+placeholders(len(batch))+`)`, stringArgs(batch)...); err != nil {
			return fmt.Errorf("index: delete fts: %w", err)
		}
	}
	return nil
}

// matchQuery quotes every term so user input never reaches the FTS5 query
// grammar.
func matchQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// KeywordSearch runs an FTS5 query over chunk content, best matches first.
func (db *DB) KeywordSearch(ctx context.Context, query string, limit int, collectionID string) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 20
	}
	match := matchQuery(query)
	if match == "" {
		return []KeywordHit{}, nil
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT chunks_fts.chunk_id,
		       snippet(chunks_fts, 1, '<b>', '</b>', '...', 16),
		       -bm25(chunks_fts)
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		JOIN messages m ON m.id = c.message_id
		WHERE chunks_fts MATCH ? AND (? = '' OR m.collection_id = ?)
		ORDER BY rank
		LIMIT ?
	`, match, collectionID, collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("index: keyword search: %w", err)
	}
	return collectHits(rows)
}
