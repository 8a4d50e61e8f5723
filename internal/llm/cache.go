package llm

import (
	"container/list"
	"context"
	"sync"

	"github.com/starford/strata/internal/checksum"
)

// CachedEmbedder memoizes vectors per (model, text). Once size entries are
// held the least recently used one is evicted.
type CachedEmbedder struct {
	inner Embedder
	size  int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	key string
	vec []float32
}

// NewCachedEmbedder wraps inner with a cache of at most size vectors.
// A non-positive size disables caching.
func NewCachedEmbedder(inner Embedder, size int) *CachedEmbedder {
	return &CachedEmbedder{
		inner:   inner,
		size:    size,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *CachedEmbedder) key(text string) string {
	return checksum.Sum([]byte(c.inner.ModelName() + "\x00" + text))
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.size <= 0 {
		return c.inner.Embed(ctx, texts)
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	c.mu.Lock()
	for i, t := range texts {
		if el, ok := c.entries[c.key(t)]; ok {
			out[i] = el.Value.(*cacheEntry).vec
			c.order.MoveToBack(el)
			c.hits++
			continue
		}
		c.misses++
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.put(c.key(missTexts[j]), vecs[j])
	}
	return out, nil
}

func (c *CachedEmbedder) put(key string, vec []float32) {
	if el, ok := c.entries[key]; ok {
		c.order.MoveToBack(el)
		return
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, vec: vec})
	for c.order.Len() > c.size {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache hit and miss counts.
func (c *CachedEmbedder) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }
