package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

func randomVec(rng *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func seeded(t *testing.T, n int) *Memory {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	m := NewMemory("m2")
	for i := 0; i < n; i++ {
		level := models.LevelBase
		if i%5 == 0 {
			level = models.LevelSection
		}
		err := m.Upsert("m2", Entry{
			ChunkID: fmt.Sprintf("c%03d", i), CollectionID: fmt.Sprintf("col%d", i%2),
			Level: level, Vector: randomVec(rng, 8),
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	return m
}

func TestSearch_ModelMismatch(t *testing.T) {
	m := seeded(t, 10)
	res, err := m.Search(context.Background(), "m1", make([]float32, 8), 5, -1, Filter{})
	if !apperr.IsModelMismatch(err) {
		t.Fatalf("expected EmbeddingModelMismatch, got %v", err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("mismatch returned %d hits", len(res.Hits))
	}
	if err := m.Upsert("m1", Entry{ChunkID: "x", Vector: []float32{1}}); !apperr.IsModelMismatch(err) {
		t.Errorf("upsert with other model: %v", err)
	}
}

func TestSearch_ForeignVectorsRejectUntilReplaced(t *testing.T) {
	m := NewMemory("m1")
	ctx := context.Background()
	if err := m.Load("m1", Entry{ChunkID: "a", Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.Load("m2", Entry{ChunkID: "b", Vector: []float32{0, 1}}); err != nil {
		t.Fatalf("Load foreign: %v", err)
	}
	if m.Len() != 1 || m.Foreign() != 1 {
		t.Fatalf("len = %d foreign = %d", m.Len(), m.Foreign())
	}

	_, err := m.Search(ctx, "m1", []float32{1, 0}, 5, -1, Filter{})
	var mm *apperr.EmbeddingModelMismatch
	if !errors.As(err, &mm) || mm.StoredModel != "m2" || mm.QueryModel != "m1" {
		t.Fatalf("expected mismatch against m2, got %v", err)
	}

	if err := m.Upsert("m1", Entry{ChunkID: "b", Vector: []float32{0, 1}}); err != nil {
		t.Fatalf("re-embed: %v", err)
	}
	res, err := m.Search(ctx, "m1", []float32{1, 0}, 5, -1, Filter{})
	if err != nil || len(res.Hits) != 2 {
		t.Fatalf("after re-embed = %+v, %v", res, err)
	}

	_ = m.Load("m2", Entry{ChunkID: "c", Vector: []float32{1, 1}})
	m.Remove("c")
	if _, err := m.Search(ctx, "m1", []float32{1, 0}, 5, -1, Filter{}); err != nil {
		t.Errorf("removed foreign vector still blocks search: %v", err)
	}
}

func TestSearch_PrefixMonotonicity(t *testing.T) {
	m := seeded(t, 200)
	q := randomVec(rand.New(rand.NewSource(99)), 8)
	small, err := m.Search(context.Background(), "m2", q, 10, -1, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	large, err := m.Search(context.Background(), "m2", q, 50, -1, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(small.Hits) != 10 || len(large.Hits) != 50 {
		t.Fatalf("got %d and %d hits", len(small.Hits), len(large.Hits))
	}
	for i, h := range small.Hits {
		if large.Hits[i] != h {
			t.Fatalf("k=10 result %d (%v) differs from k=50 (%v)", i, h, large.Hits[i])
		}
	}
	for i := 1; i < len(large.Hits); i++ {
		if large.Hits[i].Score > large.Hits[i-1].Score {
			t.Fatal("hits not sorted by score")
		}
	}
	if small.Considered != 200 {
		t.Errorf("considered = %d", small.Considered)
	}
}

func TestSearch_FiltersAndMinScore(t *testing.T) {
	m := seeded(t, 50)
	q := randomVec(rand.New(rand.NewSource(3)), 8)
	res, _ := m.Search(context.Background(), "m2", q, 100, -1, Filter{Levels: []models.Level{models.LevelSection}, CollectionID: "col0"})
	if res.Considered != 5 {
		t.Errorf("considered = %d, want 5", res.Considered)
	}
	res, _ = m.Search(context.Background(), "m2", q, 100, 0.5, Filter{})
	for _, h := range res.Hits {
		if h.Score < 0.5 {
			t.Errorf("hit below min score: %v", h)
		}
	}
}

func TestSearch_Cosine(t *testing.T) {
	m := NewMemory("")
	_ = m.Upsert("m", Entry{ChunkID: "same", Vector: []float32{2, 0}})
	_ = m.Upsert("m", Entry{ChunkID: "orth", Vector: []float32{0, 3}})
	res, _ := m.Search(context.Background(), "m", []float32{1, 0}, 2, -1, Filter{})
	if res.Hits[0].ChunkID != "same" || res.Hits[0].Score < 0.999 || res.Hits[1].Score > 1e-6 {
		t.Errorf("hits = %+v", res.Hits)
	}
}

func TestWriter_BatchesAndRemoves(t *testing.T) {
	idx := NewMemory("m")
	flushed := 0
	w := NewWriter(idx, 100, time.Hour, nil, WithOnFlush(func(n int) { flushed += n }))

	w.Enqueue("m", Entry{ChunkID: "a", Vector: []float32{1, 0}})
	w.Enqueue("m", Entry{ChunkID: "b", Vector: []float32{0, 1}})
	if idx.Len() != 0 {
		t.Fatal("enqueue should not be visible before flush")
	}
	if lag := w.Lag(); lag.Pending != 2 {
		t.Errorf("lag = %+v", lag)
	}
	w.Remove("b")
	if n := w.Flush(); n != 1 {
		t.Errorf("flushed %d, want 1", n)
	}
	if !idx.Has("a") || idx.Has("b") {
		t.Error("remove did not drop pending upsert")
	}
	if flushed != 1 || w.Lag().Pending != 0 {
		t.Errorf("flushed=%d lag=%+v", flushed, w.Lag())
	}
	w.Remove("a")
	if idx.Has("a") {
		t.Error("remove did not reach the index")
	}
}

func TestWriter_RunFlushesOnBatchSize(t *testing.T) {
	idx := NewMemory("m")
	w := NewWriter(idx, 2, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	w.Enqueue("m", Entry{ChunkID: "a", Vector: []float32{1}})
	w.Enqueue("m", Entry{ChunkID: "b", Vector: []float32{1}})
	deadline := time.Now().Add(2 * time.Second)
	for idx.Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if idx.Len() != 2 {
		t.Fatalf("batch not flushed, len=%d", idx.Len())
	}

	w.Enqueue("m", Entry{ChunkID: "c", Vector: []float32{1}})
	cancel()
	<-done
	if !idx.Has("c") {
		t.Error("final flush on shutdown missing")
	}
}
