package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

type flakyEmbedder struct {
	failures int32
	calls    atomic.Int32
	inner    *HashEmbedder
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("upstream 503")
	}
	return f.inner.Embed(ctx, texts)
}

func (f *flakyEmbedder) ModelName() string { return f.inner.ModelName() }
func (f *flakyEmbedder) Dimensions() int   { return f.inner.Dimensions() }

func fastPolicy(retries int) Policy {
	return Policy{Timeout: time.Second, MaxRetries: retries, Backoff: time.Millisecond}
}

func TestReliableEmbedder_RetriesThenSucceeds(t *testing.T) {
	inner := &flakyEmbedder{failures: 2, inner: NewHashEmbedder(16, "")}
	e := NewReliableEmbedder(inner, fastPolicy(3), nil)

	vecs, err := e.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestReliableEmbedder_ExhaustsRetries(t *testing.T) {
	inner := &flakyEmbedder{failures: 100, inner: NewHashEmbedder(16, "")}
	e := NewReliableEmbedder(inner, fastPolicy(2), nil)

	_, err := e.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	var ext *apperr.ExternalClientError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "embed", ext.Op)
	assert.Equal(t, 3, ext.Attempts)
}

func TestReliableEmbedder_StopsOnCancel(t *testing.T) {
	inner := &flakyEmbedder{failures: 100, inner: NewHashEmbedder(16, "")}
	e := NewReliableEmbedder(inner, Policy{Timeout: time.Second, MaxRetries: 5, Backoff: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperr.IsExternal(err))
}

type blockingSummarizer struct{}

func (blockingSummarizer) Summarize(ctx context.Context, _ SummaryRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestReliableSummarizer_TimesOutEachAttempt(t *testing.T) {
	s := NewReliableSummarizer(blockingSummarizer{}, Policy{
		Timeout: 10 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond,
	}, nil)
	_, err := s.Summarize(context.Background(), SummaryRequest{Texts: []string{"x"}})
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCachedEmbedder_HitsAndEviction(t *testing.T) {
	inner := &flakyEmbedder{inner: NewHashEmbedder(8, "")}
	c := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	_, err := c.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	_, err = c.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, inner.calls.Load(), "second call should be served from cache")

	_, err = c.Embed(ctx, []string{"c"})
	require.NoError(t, err)
	_, err = c.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, inner.calls.Load(), "oldest entry should have been evicted")

	hits, misses := c.Stats()
	assert.EqualValues(t, 2, hits)
	assert.EqualValues(t, 4, misses)
}

func TestCachedEmbedder_EvictsLeastRecentlyUsed(t *testing.T) {
	inner := &flakyEmbedder{inner: NewHashEmbedder(8, "")}
	c := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	_, err := c.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	_, err = c.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = c.Embed(ctx, []string{"c"})
	require.NoError(t, err)
	require.EqualValues(t, 2, inner.calls.Load())

	_, err = c.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load(), "recently read entry should survive")

	_, err = c.Embed(ctx, []string{"b"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, inner.calls.Load(), "least recently used entry should have been evicted")
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64, "")
	assert.Equal(t, "hash-64", e.ModelName())

	ctx := context.Background()
	a, _ := e.Embed(ctx, []string{"the sun set slowly"})
	b, _ := e.Embed(ctx, []string{"the sun set slowly"})
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestExtractiveSummarizer(t *testing.T) {
	s := NewExtractiveSummarizer(2)
	out, err := s.Summarize(context.Background(), SummaryRequest{
		Kind: models.SummarySection,
		Texts: []string{
			"Cats sleep a lot. Cats purr when calm.",
			"The weather was mild. Cats chase mice at night.",
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Contains(t, out, "Cats")

	short, err := s.Summarize(context.Background(), SummaryRequest{Texts: []string{"Only one."}})
	require.NoError(t, err)
	assert.Equal(t, "Only one.", short)
}
