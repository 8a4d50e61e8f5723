package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/vectorindex"
	"github.com/starford/strata/internal/workerpool"
)

const embedBatch = 64

type embedJob struct {
	chunks  []models.Chunk
	replace bool
}

// VectorEntry converts a stored embedding into a vector index entry.
func VectorEntry(r index.VectorRow) vectorindex.Entry {
	return vectorindex.Entry{
		ChunkID:      r.ChunkID,
		MessageID:    r.MessageID,
		CollectionID: r.CollectionID,
		UserID:       r.UserID,
		Level:        r.Level,
		Vector:       r.Vector,
	}
}

// queueEmbeddings hands chunks to Run without waiting. When the queue is
// full the chunks stay unembedded until a back-fill picks them up.
func (b *Builder) queueEmbeddings(cs []models.Chunk) {
	select {
	case b.embedQ <- embedJob{chunks: cs}:
	default:
		b.logger.Warn("hierarchy: embed queue full, deferring to back-fill", slog.Int("chunks", len(cs)))
	}
}

// Run submits queued embedding jobs to the external pool until ctx is done.
func (b *Builder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-b.embedQ:
			task := func(ctx context.Context) error {
				_, err := b.embedNow(ctx, job.chunks, job.replace)
				return err
			}
			if b.external == nil {
				_ = task(ctx)
				continue
			}
			if _, err := b.external.Submit(ctx, task); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Warn("hierarchy: embed submit", slog.String("error", err.Error()))
			}
		}
	}
}

// EmbedChunks embeds chunks on the external pool and waits for the result.
// With replace set, existing vectors are overwritten; otherwise chunks that
// already have one are skipped. It returns how many vectors were stored.
func (b *Builder) EmbedChunks(ctx context.Context, chunks []models.Chunk, replace bool) (int, error) {
	var written atomic.Int64
	var futures []*workerpool.Future
	for start := 0; start < len(chunks); start += embedBatch {
		batch := chunks[start:min(start+embedBatch, len(chunks))]
		f, err := b.runExternal(ctx, func(ctx context.Context) error {
			n, err := b.embedNow(ctx, batch, replace)
			written.Add(int64(n))
			return err
		})
		if err != nil {
			return int(written.Load()), err
		}
		futures = append(futures, f)
	}
	err := waitAll(ctx, futures)
	return int(written.Load()), err
}

func (b *Builder) embedNow(ctx context.Context, chunks []models.Chunk, replace bool) (int, error) {
	total := 0
	for start := 0; start < len(chunks); start += embedBatch {
		batch := chunks[start:min(start+embedBatch, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := b.embedder.Embed(ctx, texts)
		if err != nil {
			b.logger.Warn("hierarchy: embed failed", slog.Int("chunks", len(batch)), slog.String("error", err.Error()))
			return total, err
		}
		if len(vecs) != len(batch) {
			return total, fmt.Errorf("hierarchy: embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}
		model := b.embedder.ModelName()
		updates := make([]index.EmbeddingUpdate, len(batch))
		for i, c := range batch {
			updates[i] = index.EmbeddingUpdate{ChunkID: c.ID, Vector: vecs[i], Model: model}
		}
		rows, err := b.store.SetEmbeddings(ctx, updates, replace)
		if err != nil {
			return total, fmt.Errorf("hierarchy: store embeddings: %w", err)
		}
		total += len(rows)
		if b.sink != nil {
			for _, r := range rows {
				b.sink.Enqueue(r.Model, VectorEntry(r))
			}
		}
	}
	return total, nil
}
