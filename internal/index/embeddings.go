package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/starford/strata/internal/models"
)

// EmbeddingUpdate attaches a vector to a chunk.
type EmbeddingUpdate struct {
	ChunkID string
	Vector  []float32
	Model   string
}

// VectorRow is a stored embedding together with the attributes the vector
// index filters on.
type VectorRow struct {
	ChunkID      string
	MessageID    string
	CollectionID string
	UserID       string
	Level        models.Level
	Model        string
	Vector       []float32
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// SetEmbeddings writes vectors. Without replace a chunk that already has an
// embedding from the same model is left alone, so a vector is set once per
// model unless re-embedding is asked for explicitly; either way the vector
// is written whole. Updates for
// chunks that no longer exist are skipped. The rows actually written are
// returned for the vector index.
func (db *DB) SetEmbeddings(ctx context.Context, updates []EmbeddingUpdate, replace bool) ([]VectorRow, error) {
	var written []string
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?`
		if !replace {
			query += ` AND (embedding IS NULL OR embedding_model != ?)`
		}
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("index: prepare embedding update: %w", err)
		}
		defer stmt.Close()
		for _, u := range updates {
			if len(u.Vector) == 0 {
				continue
			}
			args := []any{encodeVector(u.Vector), u.Model, u.ChunkID}
			if !replace {
				args = append(args, u.Model)
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("index: set embedding: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				written = append(written, u.ChunkID)
			}
		}
		return nil
	})
	if err != nil || len(written) == 0 {
		return nil, err
	}
	return db.VectorRows(ctx, written)
}

const vectorRowSelect = `
	SELECT c.id, c.message_id, m.collection_id, col.user_id, c.level, c.embedding_model, c.embedding
	FROM chunks c
	JOIN messages m ON m.id = c.message_id
	JOIN collections col ON col.id = m.collection_id
	WHERE c.embedding IS NOT NULL`

func scanVectorRow(rows *sql.Rows) (VectorRow, error) {
	var r VectorRow
	var level string
	var blob []byte
	if err := rows.Scan(&r.ChunkID, &r.MessageID, &r.CollectionID, &r.UserID, &level, &r.Model, &blob); err != nil {
		return r, err
	}
	r.Level = models.Level(level)
	vec, err := decodeVector(blob)
	if err != nil {
		return r, fmt.Errorf("index: chunk %s embedding: %w", r.ChunkID, err)
	}
	r.Vector = vec
	return r, nil
}

// VectorRows returns the embedded chunks among ids.
func (db *DB) VectorRows(ctx context.Context, ids []string) ([]VectorRow, error) {
	var out []VectorRow
	for _, batch := range batches(ids, 500) {
		rows, err := db.conn.QueryContext(ctx,
			vectorRowSelect+` AND c.id IN (`+placeholders(len(batch))+`)`, stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("index: vector rows: %w", err)
		}
		for rows.Next() {
			r, err := scanVectorRow(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, r)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EachVector streams every stored embedding to fn; used to rebuild the
// in-memory vector index at startup.
func (db *DB) EachVector(ctx context.Context, fn func(VectorRow) error) error {
	rows, err := db.conn.QueryContext(ctx, vectorRowSelect+` ORDER BY c.id`)
	if err != nil {
		return fmt.Errorf("index: each vector: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanVectorRow(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ChunksMissingEmbeddings returns up to limit chunks without a vector from
// model. Chunks embedded by any other model count as missing.
func (db *DB) ChunksMissingEmbeddings(ctx context.Context, model string, limit int) ([]models.Chunk, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks c
		WHERE c.embedding IS NULL OR c.embedding_model != ?
		ORDER BY c.created_at, c.id LIMIT ?`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("index: missing embeddings: %w", err)
	}
	cs, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	return deref(cs), nil
}
