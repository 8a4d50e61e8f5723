package retrieval

import (
	"context"

	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/models"
)

// MessageRef identifies the message that owns a chunk.
type MessageRef struct {
	ID             string                `json:"id"`
	Sequence       int                   `json:"sequence"`
	Role           string                `json:"role"`
	State          models.HierarchyState `json:"state"`
	Status         models.MessageStatus  `json:"status"`
	SummaryChunkID string                `json:"summary_chunk_id,omitempty"`
	SourceRef      string                `json:"source_ref,omitempty"`
}

// ChunkRef is a short reference to a chunk on the path to the root.
type ChunkRef struct {
	ID          string             `json:"id"`
	Level       models.Level       `json:"level"`
	SummaryKind models.SummaryKind `json:"summary_kind,omitempty"`
	Preview     string             `json:"preview"`
}

// RelatedRef is a chunk reached through relationship edges.
type RelatedRef struct {
	ChunkID  string              `json:"chunk_id"`
	Kind     models.RelationKind `json:"kind"`
	Strength float64             `json:"strength"`
	Depth    int                 `json:"depth"`
	Preview  string              `json:"preview,omitempty"`
}

// Breadcrumb is the provenance of a chunk: where it lives and what
// summarizes it.
type Breadcrumb struct {
	Collection   *models.Collection `json:"collection,omitempty"`
	Message      *MessageRef        `json:"message,omitempty"`
	ParentChunks []ChunkRef         `json:"parent_chunks"`
	Media        []models.Media     `json:"media"`
	Related      []RelatedRef       `json:"related,omitempty"`
}

// RelatedOptions asks breadcrumbs to include relationship neighbours.
type RelatedOptions struct {
	Kinds     []models.RelationKind `json:"kinds,omitempty"`
	MaxDepth  int                   `json:"max_depth,omitempty"`
	Direction models.Direction      `json:"direction,omitempty"`
}

const previewLen = 160

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "…"
}

// crumbs assembles breadcrumbs for the chunks of one response, caching
// collections, messages and media lists across hits.
type crumbs struct {
	store       index.ChunkReader
	related     *RelatedOptions
	collections map[string]*models.Collection
	messages    map[string]*models.Message
	media       map[string][]models.Media
}

func newCrumbs(store index.ChunkReader, related *RelatedOptions) *crumbs {
	return &crumbs{
		store:       store,
		related:     related,
		collections: make(map[string]*models.Collection),
		messages:    make(map[string]*models.Message),
		media:       make(map[string][]models.Media),
	}
}

func (b *crumbs) build(ctx context.Context, c *models.Chunk) (Breadcrumb, error) {
	bc := Breadcrumb{ParentChunks: []ChunkRef{}, Media: []models.Media{}}

	msg, ok := b.messages[c.MessageID]
	if !ok {
		var err error
		msg, err = b.store.GetMessage(ctx, c.MessageID)
		if err != nil {
			return bc, err
		}
		b.messages[c.MessageID] = msg
	}
	bc.Message = &MessageRef{
		ID:             msg.ID,
		Sequence:       msg.Sequence,
		Role:           msg.Role,
		State:          msg.State,
		Status:         msg.Status,
		SummaryChunkID: msg.SummaryChunkID,
		SourceRef:      msg.SourceRef,
	}

	coll, ok := b.collections[msg.CollectionID]
	if !ok {
		var err error
		coll, err = b.store.GetCollection(ctx, msg.CollectionID)
		if err != nil {
			return bc, err
		}
		b.collections[msg.CollectionID] = coll
	}
	bc.Collection = coll

	ancestors, err := b.store.Ancestors(ctx, c.ID)
	if err != nil {
		return bc, err
	}
	for _, a := range ancestors {
		bc.ParentChunks = append(bc.ParentChunks, ChunkRef{
			ID: a.ID, Level: a.Level, SummaryKind: a.SummaryKind, Preview: preview(a.Content),
		})
	}

	media, ok := b.media[c.MessageID]
	if !ok {
		media, err = b.store.ListMediaForMessage(ctx, c.MessageID)
		if err != nil {
			return bc, err
		}
		b.media[c.MessageID] = media
	}
	bc.Media = media

	if b.related != nil {
		rel, err := b.store.GetRelated(ctx, c.ID, index.RelatedQuery{
			Kinds: b.related.Kinds, MaxDepth: b.related.MaxDepth, Direction: b.related.Direction,
		})
		if err != nil {
			return bc, err
		}
		ids := make([]string, len(rel))
		for i, r := range rel {
			ids[i] = r.ChunkID
		}
		chunks, err := b.store.GetChunks(ctx, ids)
		if err != nil {
			return bc, err
		}
		for _, r := range rel {
			ref := RelatedRef{ChunkID: r.ChunkID, Kind: r.Via.Kind, Strength: r.Via.Strength, Depth: r.Depth}
			if ch, ok := chunks[r.ChunkID]; ok {
				ref.Preview = preview(ch.Content)
			}
			bc.Related = append(bc.Related, ref)
		}
	}
	return bc, nil
}
