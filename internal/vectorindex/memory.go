// Package vectorindex keeps chunk embeddings in memory and answers cosine
// similarity queries. It is eventually consistent with the chunk store:
// writes go through a batching Writer whose backlog is observable via Lag.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

// Entry is one indexed vector with the attributes searches filter on.
type Entry struct {
	ChunkID      string
	MessageID    string
	CollectionID string
	UserID       string
	Level        models.Level
	Vector       []float32
}

// Filter restricts a search. Zero fields match everything.
type Filter struct {
	Levels       []models.Level
	CollectionID string
	UserID       string
	MessageID    string
}

func (f Filter) match(e *Entry) bool {
	if f.CollectionID != "" && e.CollectionID != f.CollectionID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.MessageID != "" && e.MessageID != f.MessageID {
		return false
	}
	if len(f.Levels) == 0 {
		return true
	}
	for _, l := range f.Levels {
		if e.Level == l {
			return true
		}
	}
	return false
}

// Hit is a ranked search result.
type Hit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// Result is the outcome of a search. Considered counts the vectors that
// passed the filter and were scored.
type Result struct {
	Hits       []Hit
	Considered int
}

// Memory is an exact (brute-force) cosine index. All searchable vectors
// belong to one embedding model and are stored unit-length. Stored vectors
// of any other model are tracked as foreign: while any remain, searches are
// rejected rather than silently missing those chunks.
type Memory struct {
	mu      sync.RWMutex
	model   string
	dims    int
	entries map[string]*Entry
	foreign map[string]string // chunk id -> model
}

// NewMemory creates an index for vectors tagged model. An empty model is
// fixed by the first Upsert.
func NewMemory(model string) *Memory {
	return &Memory{model: model, entries: make(map[string]*Entry), foreign: make(map[string]string)}
}

// Model returns the embedding model the index holds.
func (m *Memory) Model() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// Len returns the number of indexed vectors.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Foreign returns how many stored vectors belong to another model.
func (m *Memory) Foreign() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.foreign)
}

// Load adds a stored vector. A vector of the index model is upserted; one
// of any other model is recorded as foreign until the chunk is re-embedded
// or removed.
func (m *Memory) Load(model string, e Entry) error {
	m.mu.Lock()
	if m.model != "" && model != m.model {
		delete(m.entries, e.ChunkID)
		m.foreign[e.ChunkID] = model
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.Upsert(model, e)
}

// Has reports whether chunkID is indexed.
func (m *Memory) Has(chunkID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[chunkID]
	return ok
}

// Upsert adds or replaces the vector for e.ChunkID.
func (m *Memory) Upsert(model string, e Entry) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("vectorindex: empty vector for %s", e.ChunkID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == "" {
		m.model = model
	}
	if model != m.model {
		return &apperr.EmbeddingModelMismatch{QueryModel: model, StoredModel: m.model}
	}
	if m.dims == 0 {
		m.dims = len(e.Vector)
	}
	if len(e.Vector) != m.dims {
		return fmt.Errorf("vectorindex: %s has %d dimensions, index has %d", e.ChunkID, len(e.Vector), m.dims)
	}
	e.Vector = normalize(e.Vector)
	m.entries[e.ChunkID] = &e
	delete(m.foreign, e.ChunkID)
	return nil
}

// Remove drops chunk ids from the index.
func (m *Memory) Remove(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
		delete(m.foreign, id)
	}
}

// Search returns up to k hits scoring at least minScore, best first. Ties
// are broken by chunk id so a larger k always extends a smaller one.
func (m *Memory) Search(ctx context.Context, model string, query []float32, k int, minScore float64, f Filter) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model != "" && model != m.model {
		return Result{Hits: []Hit{}}, &apperr.EmbeddingModelMismatch{QueryModel: model, StoredModel: m.model}
	}
	if stored := m.foreignModel(); stored != "" {
		return Result{Hits: []Hit{}}, &apperr.EmbeddingModelMismatch{QueryModel: model, StoredModel: stored}
	}
	if m.dims != 0 && len(query) != m.dims {
		return Result{Hits: []Hit{}}, fmt.Errorf("vectorindex: query has %d dimensions, index has %d", len(query), m.dims)
	}
	q := normalize(query)

	hits := make([]Hit, 0, k)
	considered := 0
	for id, e := range m.entries {
		if considered%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{Hits: []Hit{}}, err
			}
		}
		if !f.match(e) {
			continue
		}
		considered++
		score := dot(q, e.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return Result{Hits: hits, Considered: considered}, nil
}

// foreignModel returns the smallest foreign model tag, or "" when every
// stored vector belongs to the index model. Callers hold mu.
func (m *Memory) foreignModel() string {
	var out string
	for _, model := range m.foreign {
		if out == "" || model < out {
			out = model
		}
	}
	return out
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
