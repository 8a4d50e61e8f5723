// Package llm defines the embedding and summarization capabilities the
// hierarchy builder and retrieval engine depend on, together with offline
// implementations and a reliability wrapper for remote ones.
package llm

import (
	"context"

	"github.com/starford/strata/internal/models"
)

// Embedder turns texts into fixed-length vectors. Implementations return
// exactly one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// ModelName tags every vector produced; vectors from different models
	// are never compared.
	ModelName() string
	Dimensions() int
}

// SummaryRequest asks for one condensed text over ordered inputs.
type SummaryRequest struct {
	Kind  models.SummaryKind
	Texts []string
}

// Summarizer condenses a set of chunk texts.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}
