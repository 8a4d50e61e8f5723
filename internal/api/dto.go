package api

import (
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/retrieval"
	"github.com/starford/strata/internal/vectorindex"
)

// CreateCollectionRequest is the request body for creating a collection.
type CreateCollectionRequest struct {
	ID             string                `json:"id,omitempty"`
	Type           models.CollectionType `json:"type" example:"conversation"`
	Title          string                `json:"title,omitempty" example:"Design review"`
	SourcePlatform string                `json:"source_platform,omitempty" example:"chatgpt"`
	UserID         string                `json:"user_id,omitempty"`
}

// CollectionListResponse wraps paginated collection listings.
type CollectionListResponse struct {
	Collections []models.Collection `json:"collections" validate:"required"`
	Total       int                 `json:"total" example:"42" validate:"required"`
}

// MessageListResponse wraps paginated message listings.
type MessageListResponse struct {
	Messages []models.Message `json:"messages" validate:"required"`
	Total    int              `json:"total" validate:"required"`
}

// SearchBody is the request body for semantic search.
type SearchBody struct {
	retrieval.SearchRequest
	Related *retrieval.RelatedOptions `json:"related,omitempty"`
}

// ReembedResponse reports how many chunks received a fresh vector.
type ReembedResponse struct {
	MessageID string `json:"message_id"`
	Embedded  int    `json:"embedded"`
}

// DeleteChunkResponse lists every chunk removed by a chunk deletion.
type DeleteChunkResponse struct {
	Deleted []string `json:"deleted"`
}

// StatsResponse is store contents plus vector index state.
type StatsResponse struct {
	index.Stats
	VectorModel string          `json:"vector_model"`
	Vectors     int             `json:"vectors"`
	Lag         vectorindex.Lag `json:"vector_lag"`
}
