package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// HashEmbedder is an offline embedder using signed feature hashing of
// lowercased word unigrams and bigrams. Vectors are L2-normalized so cosine
// similarity reduces to a dot product.
type HashEmbedder struct {
	dims  int
	model string
}

// NewHashEmbedder returns an embedder producing dims-length vectors. model
// defaults to "hash-<dims>".
func NewHashEmbedder(dims int, model string) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	if model == "" {
		model = fmt.Sprintf("hash-%d", dims)
	}
	return &HashEmbedder{dims: dims, model: model}
}

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	vec := make([]float64, e.dims)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	for i, tok := range tokens {
		e.add(vec, tok, 1)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, e.dims)
	for i, v := range vec {
		if norm > 0 {
			v /= norm
		}
		out[i] = float32(v)
	}
	return out
}

func (e *HashEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func (e *HashEmbedder) ModelName() string { return e.model }

func (e *HashEmbedder) Dimensions() int { return e.dims }
