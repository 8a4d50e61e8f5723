package hierarchy

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/strata/internal/models"
)

func leaves(paragraphs []int, tokens []int) []models.Chunk {
	out := make([]models.Chunk, len(paragraphs))
	for i := range paragraphs {
		out[i] = models.Chunk{ID: fmt.Sprintf("l%d", i), Paragraph: paragraphs[i], TokenCount: tokens[i], Level: models.LevelBase}
	}
	return out
}

func sizes(groups [][]models.Chunk) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = len(g)
	}
	return out
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestGroup_Balanced(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		n    int
		want []int
	}{
		{1, []int{1}},
		{3, []int{3}},
		{5, []int{5}},
		{6, []int{3, 3}},
		{7, []int{4, 3}},
		{11, []int{4, 4, 3}},
	}
	for _, tt := range tests {
		got := Group(leaves(repeat(0, tt.n), repeat(10, tt.n)), cfg)
		assert.Equal(t, tt.want, sizes(got), "n=%d", tt.n)
	}
}

func TestGroup_NeverCrossesParagraphs(t *testing.T) {
	got := Group(leaves([]int{0, 0, 0, 0, 1, 1}, repeat(10, 6)), DefaultConfig())
	assert.Equal(t, []int{4, 2}, sizes(got))
	for _, g := range got {
		for _, l := range g {
			assert.Equal(t, g[0].Paragraph, l.Paragraph)
		}
	}
}

func TestGroup_TokenCap(t *testing.T) {
	cfg := Config{MinGroup: 3, MaxGroup: 5, MaxGroupTokens: 25}
	got := Group(leaves(repeat(0, 4), repeat(10, 4)), cfg)
	assert.Equal(t, []int{2, 2}, sizes(got))

	// An oversized leaf stands alone.
	got = Group(leaves(repeat(0, 3), []int{5, 100, 5}), cfg)
	assert.Equal(t, []int{1, 1, 1}, sizes(got))
}

func TestGroup_MergesSmallTail(t *testing.T) {
	cfg := Config{MinGroup: 3, MaxGroup: 5, MaxGroupTokens: 6}
	got := Group(leaves(repeat(0, 7), repeat(1, 7)), cfg)
	assert.Equal(t, []int{3, 4}, sizes(got))
}

func TestGroup_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := DefaultConfig()
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(40)
		paras := make([]int, n)
		toks := make([]int, n)
		p := 0
		for i := range paras {
			if i > 0 && rng.Intn(6) == 0 {
				p++
			}
			paras[i] = p
			toks[i] = 1 + rng.Intn(700)
		}
		in := leaves(paras, toks)
		groups := Group(in, cfg)

		var flat []models.Chunk
		for _, g := range groups {
			require.NotEmpty(t, g)
			assert.LessOrEqual(t, len(g), cfg.MaxGroup)
			if len(g) > 1 {
				assert.LessOrEqual(t, tokens(g), cfg.MaxGroupTokens)
			}
			for _, l := range g {
				assert.Equal(t, g[0].Paragraph, l.Paragraph)
			}
			flat = append(flat, g...)
		}
		require.Equal(t, in, flat, "groups must partition the leaves in order")
		assert.Equal(t, sizes(groups), sizes(Group(in, cfg)), "grouping is deterministic")
	}
}

func TestIDs_Deterministic(t *testing.T) {
	a := LeafID("m1", models.Span{Start: 0, End: 12})
	assert.Equal(t, a, LeafID("m1", models.Span{Start: 0, End: 12}))
	assert.NotEqual(t, a, LeafID("m1", models.Span{Start: 0, End: 13}))
	assert.NotEqual(t, a, LeafID("m2", models.Span{Start: 0, End: 12}))

	s := SummaryID("m1", models.SummarySection, []string{"a", "b"})
	assert.Equal(t, s, SummaryID("m1", models.SummarySection, []string{"a", "b"}))
	assert.NotEqual(t, s, SummaryID("m1", models.SummaryDocument, []string{"a", "b"}))
}
