//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; keyword search uses LIKE on chunks.content.
	return nil
}

func ftsInsert(_ context.Context, _ *sql.Tx, _, _ string) error {
	// Content is already stored in the chunks table; nothing extra to do.
	return nil
}

func ftsDelete(_ context.Context, _ *sql.Tx, _ []string) error { return nil }

// KeywordSearch matches chunks containing every query term (LIKE fallback
// when FTS5 is not compiled in). All hits score 1.
func (db *DB) KeywordSearch(ctx context.Context, query string, limit int, collectionID string) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 20
	}
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return []KeywordHit{}, nil
	}
	where := []string{`(? = '' OR m.collection_id = ?)`}
	args := []any{collectionID, collectionID}
	for _, t := range terms {
		where = append(where, `c.content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, limit)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, substr(c.content, 1, 200), 1.0
		FROM chunks c
		JOIN messages m ON m.id = c.message_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+levelOrder+` DESC, c.created_at, c.id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: keyword search: %w", err)
	}
	return collectHits(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
