package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

// MaxRelatedDepth bounds relationship traversal.
const MaxRelatedDepth = 10

const relationshipColumns = `id, source_id, target_id, kind, strength, metadata, created_at`

func scanRelationship(row interface{ Scan(...any) error }) (*models.ChunkRelationship, error) {
	var r models.ChunkRelationship
	var kind, meta string
	if err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &kind, &r.Strength, &meta, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = models.RelationKind(kind)
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, fmt.Errorf("index: relationship %s metadata: %w", r.ID, err)
	}
	return &r, nil
}

// PutRelationship stores a typed edge between two existing chunks. Writing
// the same (source, target, kind) again updates strength and metadata and
// keeps the original id.
func (db *DB) PutRelationship(ctx context.Context, r *models.ChunkRelationship) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("index: relationship kind %q: %w", r.Kind, apperr.ErrInvalid)
	}
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("index: relationship needs source and target: %w", apperr.ErrInvalid)
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("index: relationship from %s to itself: %w", r.SourceID, apperr.ErrInvalid)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = db.now()
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("index: relationship metadata: %w", err)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, end := range []string{r.SourceID, r.TargetID} {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE id = ?`, end).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("index: relationship: %w", &apperr.DanglingReferenceError{To: end})
			}
			if err != nil {
				return fmt.Errorf("index: put relationship: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunk_relationships (id, source_id, target_id, kind, strength, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id, target_id, kind) DO UPDATE SET
				strength = excluded.strength,
				metadata = excluded.metadata
		`, r.ID, r.SourceID, r.TargetID, string(r.Kind), r.Strength, string(meta), r.CreatedAt)
		if isForeignKeyViolation(err) {
			return fmt.Errorf("index: %w", &apperr.DanglingReferenceError{From: r.SourceID, To: r.TargetID})
		}
		if err != nil {
			return fmt.Errorf("index: put relationship: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM chunk_relationships WHERE source_id = ? AND target_id = ? AND kind = ?
		`, r.SourceID, r.TargetID, string(r.Kind)).Scan(&r.ID, &r.CreatedAt)
	})
}

// DeleteRelationship removes one edge by id.
func (db *DB) DeleteRelationship(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM chunk_relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: delete relationship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index: relationship %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// ListRelationships returns the edges touching chunkID in the given direction.
func (db *DB) ListRelationships(ctx context.Context, chunkID string, dir models.Direction, kinds ...models.RelationKind) ([]models.ChunkRelationship, error) {
	var where string
	var args []any
	switch dir {
	case models.DirectionOutgoing:
		where, args = `source_id = ?`, []any{chunkID}
	case models.DirectionIncoming:
		where, args = `target_id = ?`, []any{chunkID}
	default:
		where, args = `(source_id = ? OR target_id = ?)`, []any{chunkID, chunkID}
	}
	if len(kinds) > 0 {
		where += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM chunk_relationships WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list relationships: %w", err)
	}
	defer rows.Close()
	out := []models.ChunkRelationship{}
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RelatedQuery parameterizes GetRelated.
type RelatedQuery struct {
	Kinds     []models.RelationKind
	MaxDepth  int
	Direction models.Direction
}

// GetRelated walks relationship edges breadth-first from chunkID up to
// MaxDepth hops. The graph may contain cycles; each chunk is reported once,
// at the depth it was first reached.
func (db *DB) GetRelated(ctx context.Context, chunkID string, q RelatedQuery) ([]models.Related, error) {
	if _, err := db.GetChunk(ctx, chunkID); err != nil {
		return nil, err
	}
	depth := q.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxRelatedDepth {
		depth = MaxRelatedDepth
	}

	visited := map[string]struct{}{chunkID: {}}
	frontier := []string{chunkID}
	out := []models.Related{}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, cur := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			edges, err := db.ListRelationships(ctx, cur, q.Direction, q.Kinds...)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				other := e.TargetID
				if other == cur {
					other = e.SourceID
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = struct{}{}
				out = append(out, models.Related{ChunkID: other, Depth: d, Via: e})
				next = append(next, other)
			}
		}
		frontier = next
	}
	return out, nil
}

// GetRelationship returns one edge or apperr.ErrNotFound.
func (db *DB) GetRelationship(ctx context.Context, id string) (*models.ChunkRelationship, error) {
	r, err := scanRelationship(db.conn.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM chunk_relationships WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: relationship %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get relationship: %w", err)
	}
	return r, nil
}
