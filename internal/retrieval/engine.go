// Package retrieval answers semantic and keyword queries over the chunk
// store and attaches breadcrumbs to every hit. It only reads committed
// state and never waits on ingestion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/vectorindex"
)

// VectorSearcher is the vector index as seen by the engine.
type VectorSearcher interface {
	Search(ctx context.Context, model string, query []float32, k int, minScore float64, f vectorindex.Filter) (vectorindex.Result, error)
}

const (
	DefaultK = 10
	MaxK     = 500
)

// Engine serves read queries.
type Engine struct {
	store    index.ChunkReader
	vectors  VectorSearcher
	embedder llm.Embedder
	logger   *slog.Logger
}

// New creates an Engine. The embedder must be the one used at ingest so
// query and stored vectors share a model.
func New(store index.ChunkReader, vectors VectorSearcher, embedder llm.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, vectors: vectors, embedder: embedder, logger: logger}
}

// SearchRequest is a semantic query.
type SearchRequest struct {
	Query        string          `json:"query"`
	K            int             `json:"k"`
	Levels       []models.Level  `json:"levels,omitempty"`
	CollectionID string          `json:"collection_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	MinScore     float64         `json:"min_score"`
	Limit        int             `json:"limit"`
	Offset       int             `json:"offset"`
	Related      *RelatedOptions `json:"-"`
}

// Validate checks the request shape.
func (r SearchRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Query, validation.Required, validation.Length(1, 8192)),
		validation.Field(&r.K, validation.Min(0), validation.Max(MaxK)),
		validation.Field(&r.Levels, validation.Each(validation.By(func(v any) error {
			if !v.(models.Level).Valid() {
				return fmt.Errorf("unknown level %q", v)
			}
			return nil
		}))),
		validation.Field(&r.MinScore, validation.Min(-1.0), validation.Max(1.0)),
		validation.Field(&r.Limit, validation.Min(0)),
		validation.Field(&r.Offset, validation.Min(0)),
	)
}

// Hit is one ranked result.
type Hit struct {
	ChunkID    string       `json:"chunk_id"`
	Score      float64      `json:"score"`
	Content    string       `json:"content"`
	Level      models.Level `json:"level"`
	Span       *models.Span `json:"span,omitempty"`
	Snippet    string       `json:"snippet,omitempty"`
	Breadcrumb Breadcrumb   `json:"breadcrumb"`
}

// SearchResponse is a page of ranked results. TotalConsidered counts the
// indexed vectors that matched the filters; Total counts ranked hits
// before pagination.
type SearchResponse struct {
	Results          []Hit  `json:"results"`
	Total            int    `json:"total"`
	TotalConsidered  int    `json:"total_considered"`
	Model            string `json:"model,omitempty"`
	FellBackToLeaves bool   `json:"fell_back_to_leaves,omitempty"`
}

func summaryOnly(levels []models.Level) bool {
	if len(levels) == 0 {
		return false
	}
	for _, l := range levels {
		if l == models.LevelBase {
			return false
		}
	}
	return true
}

// SemanticSearch embeds the query, ranks the top K vectors above MinScore
// and returns the Offset/Limit page of that ranking with breadcrumbs. A
// larger K only ever extends the ranking. When only summary levels were
// asked for and none match, leaves are searched instead.
func (e *Engine) SemanticSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("retrieval: %w: %v", apperr.ErrInvalid, err)
	}
	if req.K == 0 {
		req.K = DefaultK
	}
	if req.Limit == 0 {
		req.Limit = req.K
	}

	vecs, err := e.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retrieval: embedder returned %d vectors", len(vecs))
	}
	model := e.embedder.ModelName()
	resp := &SearchResponse{Results: []Hit{}, Model: model}

	filter := vectorindex.Filter{Levels: req.Levels, CollectionID: req.CollectionID, UserID: req.UserID}
	res, err := e.vectors.Search(ctx, model, vecs[0], req.K, req.MinScore, filter)
	if err != nil {
		return resp, err
	}
	if len(res.Hits) == 0 && summaryOnly(req.Levels) {
		filter.Levels = []models.Level{models.LevelBase}
		res, err = e.vectors.Search(ctx, model, vecs[0], req.K, req.MinScore, filter)
		if err != nil {
			return resp, err
		}
		resp.FellBackToLeaves = len(res.Hits) > 0
	}
	resp.TotalConsidered = res.Considered

	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ChunkID
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	// The index lags the store; drop hits whose chunk is gone.
	ranked := make([]vectorindex.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		if _, ok := chunks[h.ChunkID]; ok {
			ranked = append(ranked, h)
		} else {
			e.logger.Debug("retrieval: dangling hit dropped", slog.String("chunk_id", h.ChunkID))
		}
	}
	resp.Total = len(ranked)

	bc := newCrumbs(e.store, req.Related)
	for _, h := range page(ranked, req.Offset, req.Limit) {
		c := chunks[h.ChunkID]
		crumb, err := bc.build(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("retrieval: breadcrumb for %s: %w", c.ID, err)
		}
		resp.Results = append(resp.Results, Hit{
			ChunkID: c.ID, Score: h.Score, Content: c.Content, Level: c.Level, Span: c.Span, Breadcrumb: crumb,
		})
	}
	return resp, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// KeywordRequest is a full-text query.
type KeywordRequest struct {
	Query        string          `json:"query"`
	Limit        int             `json:"limit"`
	CollectionID string          `json:"collection_id,omitempty"`
	Related      *RelatedOptions `json:"-"`
}

// KeywordSearch matches chunk content and returns hits with breadcrumbs.
func (e *Engine) KeywordSearch(ctx context.Context, req KeywordRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("retrieval: %w: query is required", apperr.ErrInvalid)
	}
	if req.Limit <= 0 {
		req.Limit = DefaultK
	}
	if req.Limit > MaxK {
		req.Limit = MaxK
	}
	kh, err := e.store.KeywordSearch(ctx, req.Query, req.Limit, req.CollectionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(kh))
	for i, h := range kh {
		ids[i] = h.ChunkID
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	resp := &SearchResponse{Results: []Hit{}, Total: len(kh), TotalConsidered: len(kh)}
	bc := newCrumbs(e.store, req.Related)
	for _, h := range kh {
		c, ok := chunks[h.ChunkID]
		if !ok {
			continue
		}
		crumb, err := bc.build(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("retrieval: breadcrumb for %s: %w", c.ID, err)
		}
		resp.Results = append(resp.Results, Hit{
			ChunkID: c.ID, Score: h.Score, Content: c.Content, Level: c.Level, Span: c.Span,
			Snippet: h.Snippet, Breadcrumb: crumb,
		})
	}
	return resp, nil
}

// ChunkView is a single chunk with its children and provenance.
type ChunkView struct {
	Chunk      models.Chunk   `json:"chunk"`
	Children   []models.Chunk `json:"children"`
	Breadcrumb Breadcrumb     `json:"breadcrumb"`
}

// GetChunk returns one chunk with its direct children and breadcrumb.
func (e *Engine) GetChunk(ctx context.Context, id string, related *RelatedOptions) (*ChunkView, error) {
	c, err := e.store.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := e.store.GetChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	crumb, err := newCrumbs(e.store, related).build(ctx, c)
	if err != nil {
		return nil, err
	}
	return &ChunkView{Chunk: *c, Children: children, Breadcrumb: crumb}, nil
}

// RelatedChunk is a chunk reached by relationship traversal.
type RelatedChunk struct {
	models.Related
	Chunk *models.Chunk `json:"chunk,omitempty"`
}

// GetRelated walks relationship edges from id and returns the chunks
// reached, nearest first. Direction defaults to both.
func (e *Engine) GetRelated(ctx context.Context, id string, opts RelatedOptions) ([]RelatedChunk, error) {
	if opts.Direction == "" {
		opts.Direction = models.DirectionBoth
	}
	for _, k := range opts.Kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("retrieval: %w: unknown relationship kind %q", apperr.ErrInvalid, k)
		}
	}
	rel, err := e.store.GetRelated(ctx, id, index.RelatedQuery{Kinds: opts.Kinds, MaxDepth: opts.MaxDepth, Direction: opts.Direction})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rel))
	for i, r := range rel {
		ids[i] = r.ChunkID
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]RelatedChunk, 0, len(rel))
	for _, r := range rel {
		out = append(out, RelatedChunk{Related: r, Chunk: chunks[r.ChunkID]})
	}
	return out, nil
}
