package index

import (
	"context"
	"fmt"
)

// Stats summarizes store contents.
type Stats struct {
	Collections   int            `json:"collections"`
	Messages      int            `json:"messages"`
	Chunks        int            `json:"chunks"`
	Embedded      int            `json:"embedded"`
	Relationships int            `json:"relationships"`
	Media         int            `json:"media"`
	ByStatus      map[string]int `json:"messages_by_status"`
}

// Stats counts rows per relation and messages per status.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{ByStatus: map[string]int{}}
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM collections),
			(SELECT count(*) FROM messages),
			(SELECT count(*) FROM chunks),
			(SELECT count(*) FROM chunks WHERE embedding IS NOT NULL),
			(SELECT count(*) FROM chunk_relationships),
			(SELECT count(*) FROM media)
	`).Scan(&s.Collections, &s.Messages, &s.Chunks, &s.Embedded, &s.Relationships, &s.Media)
	if err != nil {
		return s, fmt.Errorf("index: stats: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT status, count(*) FROM messages GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("index: stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		s.ByStatus[status] = n
	}
	return s, rows.Err()
}
