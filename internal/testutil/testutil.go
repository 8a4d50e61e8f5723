// Package testutil provides shared test helpers for databases, media storage
// and seeded collections.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/storage"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "strata-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestMediaStore creates a temporary media directory with a storage.Provider.
func TestMediaStore(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// SeedCollection creates a conversation collection owned by user.
func SeedCollection(t *testing.T, db *index.DB, id, user string) *models.Collection {
	t.Helper()
	c := &models.Collection{ID: id, Type: models.CollectionConversation, UserID: user, Title: id}
	if err := db.CreateCollection(context.Background(), c); err != nil {
		t.Fatalf("SeedCollection: %v", err)
	}
	return c
}

// SeedMessage creates a message with content in an existing collection.
func SeedMessage(t *testing.T, db *index.DB, collectionID, id string, seq int, content string) *models.Message {
	t.Helper()
	m := &models.Message{ID: id, CollectionID: collectionID, Sequence: seq, Role: "user", Content: content}
	if err := db.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("SeedMessage: %v", err)
	}
	return m
}
