package hierarchy

import (
	"fmt"

	"github.com/starford/strata/internal/models"
)

// Config holds the section grouping policy.
type Config struct {
	// MinGroup is the smallest section the grouper aims for inside one
	// paragraph; a paragraph with fewer leaves still gets its own section.
	MinGroup int
	// MaxGroup is the largest number of leaves per section.
	MaxGroup int
	// MaxGroupTokens caps the summed token count of a section's leaves. A
	// single leaf above the cap forms a section alone.
	MaxGroupTokens int
}

// DefaultConfig groups 3 to 5 leaves under 1500 tokens.
func DefaultConfig() Config {
	return Config{MinGroup: 3, MaxGroup: 5, MaxGroupTokens: 1500}
}

// Validate checks the policy is usable.
func (c Config) Validate() error {
	if c.MinGroup < 1 || c.MaxGroup < c.MinGroup {
		return fmt.Errorf("hierarchy: need 1 <= min_group <= max_group, got %d..%d", c.MinGroup, c.MaxGroup)
	}
	if c.MaxGroupTokens < 1 {
		return fmt.Errorf("hierarchy: max_group_tokens must be positive")
	}
	return nil
}

// Group partitions ordered leaves into consecutive sections. Groups never
// cross a paragraph boundary, respect MaxGroupTokens, and within those
// limits are balanced to sizes differing by at most one. The result depends
// only on the leaves and the config.
func Group(leaves []models.Chunk, cfg Config) [][]models.Chunk {
	var out [][]models.Chunk
	for _, run := range paragraphRuns(leaves) {
		var runGroups [][]models.Chunk
		for _, seg := range tokenSegments(run, cfg.MaxGroupTokens) {
			runGroups = append(runGroups, balance(seg, cfg.MaxGroup)...)
		}
		out = append(out, mergeSmall(runGroups, cfg)...)
	}
	return out
}

func paragraphRuns(leaves []models.Chunk) [][]models.Chunk {
	var runs [][]models.Chunk
	start := 0
	for i := 1; i <= len(leaves); i++ {
		if i == len(leaves) || leaves[i].Paragraph != leaves[start].Paragraph {
			runs = append(runs, leaves[start:i])
			start = i
		}
	}
	return runs
}

func tokenSegments(run []models.Chunk, maxTokens int) [][]models.Chunk {
	var segs [][]models.Chunk
	start, sum := 0, 0
	for i, l := range run {
		if i > start && sum+l.TokenCount > maxTokens {
			segs = append(segs, run[start:i])
			start, sum = i, 0
		}
		sum += l.TokenCount
	}
	if start < len(run) {
		segs = append(segs, run[start:])
	}
	return segs
}

// balance splits seg into ceil(n/maxGroup) groups of near-equal size,
// larger groups first.
func balance(seg []models.Chunk, maxGroup int) [][]models.Chunk {
	n := len(seg)
	if n == 0 {
		return nil
	}
	groups := (n + maxGroup - 1) / maxGroup
	base, extra := n/groups, n%groups
	out := make([][]models.Chunk, 0, groups)
	pos := 0
	for g := 0; g < groups; g++ {
		size := base
		if g < extra {
			size++
		}
		out = append(out, seg[pos:pos+size])
		pos += size
	}
	return out
}

// mergeSmall folds a group below MinGroup into its predecessor in the same
// paragraph when the combined group still fits both caps.
func mergeSmall(groups [][]models.Chunk, cfg Config) [][]models.Chunk {
	var out [][]models.Chunk
	for _, g := range groups {
		if len(out) > 0 && len(g) < cfg.MinGroup {
			prev := out[len(out)-1]
			if len(prev)+len(g) <= cfg.MaxGroup && tokens(prev)+tokens(g) <= cfg.MaxGroupTokens {
				merged := make([]models.Chunk, 0, len(prev)+len(g))
				merged = append(merged, prev...)
				out[len(out)-1] = append(merged, g...)
				continue
			}
		}
		out = append(out, g)
	}
	return out
}

func tokens(cs []models.Chunk) int {
	n := 0
	for _, c := range cs {
		n += c.TokenCount
	}
	return n
}
