package index

import (
	"context"
	"database/sql"

	"github.com/starford/strata/internal/models"
)

// KeywordHit is one keyword search match.
type KeywordHit struct {
	ChunkID string  `json:"chunk_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func collectHits(rows *sql.Rows) ([]KeywordHit, error) {
	defer rows.Close()
	out := []KeywordHit{}
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ChunkID, &h.Snippet, &h.Score); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ChunkReader is the read side used by the retrieval engine.
type ChunkReader interface {
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error)
	GetChildren(ctx context.Context, id string) ([]models.Chunk, error)
	Ancestors(ctx context.Context, id string) ([]models.Chunk, error)
	ListChunks(ctx context.Context, messageID string, levels ...models.Level) ([]models.Chunk, error)
	GetMessageTree(ctx context.Context, messageID string) (*Tree, error)
	ListRelationships(ctx context.Context, chunkID string, dir models.Direction, kinds ...models.RelationKind) ([]models.ChunkRelationship, error)
	GetRelated(ctx context.Context, chunkID string, q RelatedQuery) ([]models.Related, error)
	ListMediaForMessage(ctx context.Context, messageID string) ([]models.Media, error)
	KeywordSearch(ctx context.Context, query string, limit int, collectionID string) ([]KeywordHit, error)
}

// HierarchyStore is the write side used by the hierarchy builder. Each
// Commit step is a conditional state transition and reports false when the
// message was not in the expected state.
type HierarchyStore interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListChunks(ctx context.Context, messageID string, levels ...models.Level) ([]models.Chunk, error)
	CommitLeaves(ctx context.Context, messageID string, leaves []models.Chunk) (bool, error)
	CommitSections(ctx context.Context, messageID string, sections []models.Chunk) (bool, error)
	CommitDocumentSummary(ctx context.Context, messageID string, doc *models.Chunk) (bool, error)
	MarkLinked(ctx context.Context, messageID string) (bool, error)
	SetMessageStatus(ctx context.Context, id string, status models.MessageStatus, lastError string) error
	SetEmbeddings(ctx context.Context, updates []EmbeddingUpdate, replace bool) ([]VectorRow, error)
}

// Verify *DB satisfies both interfaces at compile time.
var (
	_ ChunkReader    = (*DB)(nil)
	_ HierarchyStore = (*DB)(nil)
)
