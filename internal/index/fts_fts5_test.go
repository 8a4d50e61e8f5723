//go:build sqlite_fts5

package index

import (
	"context"
	"strings"
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM chunks_fts`).Scan(&count); err != nil {
		t.Fatalf("chunks_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "c1", "m1", 0)
	buildLinked(t, db, "m1")

	hits, err := db.KeywordSearch(context.Background(), "sun", 10, "")
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "m1-l3" {
		t.Fatalf("hits = %+v", hits)
	}
	if !strings.Contains(hits[0].Snippet, "<b>sun</b>") {
		t.Errorf("snippet = %q", hits[0].Snippet)
	}
}

func TestFTS5_QueryGrammarIsQuoted(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "c1", "m1", 0)
	buildLinked(t, db, "m1")

	if _, err := db.KeywordSearch(context.Background(), `warm" OR NEAR(`, 10, ""); err != nil {
		t.Fatalf("operators should be quoted, got %v", err)
	}
}

func TestFTS5_DeleteChunkRemovesFromFTS(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedMessage(t, db, "c1", "m1", 0)
	buildLinked(t, db, "m1")

	if _, err := db.DeleteChunk(ctx, "m1-l2"); err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}
	hits, _ := db.KeywordSearch(ctx, "warm", 10, "")
	if len(hits) != 0 {
		t.Errorf("deleted chunk still in FTS index: %+v", hits)
	}
}
