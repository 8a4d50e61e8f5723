package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/strata/internal/apperr"
)

// Policy controls timeouts, retries and throttling of external calls.
type Policy struct {
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	RequestsPerSecond float64
}

// DefaultPolicy is used for zero fields of a Policy.
var DefaultPolicy = Policy{
	Timeout:    30 * time.Second,
	MaxRetries: 3,
	Backoff:    500 * time.Millisecond,
}

type caller struct {
	op      string
	policy  Policy
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func newCaller(op string, p Policy, logger *slog.Logger) *caller {
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy.Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultPolicy.Backoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &caller{op: op, policy: p, logger: logger, sleep: sleepCtx}
	if p.RequestsPerSecond > 0 {
		burst := int(p.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
	}
	return c
}

// do runs fn with a per-attempt timeout, retrying with exponential backoff.
// Cancellation of ctx stops retries immediately and is returned as is.
func (c *caller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := c.policy.MaxRetries + 1
	backoff := c.policy.Backoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		lastErr = fn(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i == attempts {
			break
		}
		c.logger.Warn("llm: call failed, retrying",
			slog.String("op", c.op),
			slog.Int("attempt", i),
			slog.String("error", lastErr.Error()))
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
	return &apperr.ExternalClientError{Op: c.op, Attempts: attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReliableEmbedder adds timeouts, retries and rate limiting to an Embedder.
type ReliableEmbedder struct {
	inner Embedder
	call  *caller
}

// NewReliableEmbedder wraps inner.
func NewReliableEmbedder(inner Embedder, p Policy, logger *slog.Logger) *ReliableEmbedder {
	return &ReliableEmbedder{inner: inner, call: newCaller("embed", p, logger)}
}

func (e *ReliableEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.call.do(ctx, func(ctx context.Context) error {
		vecs, err := e.inner.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		out = vecs
		return nil
	})
	return out, err
}

func (e *ReliableEmbedder) ModelName() string { return e.inner.ModelName() }

func (e *ReliableEmbedder) Dimensions() int { return e.inner.Dimensions() }

// ReliableSummarizer adds timeouts, retries and rate limiting to a Summarizer.
type ReliableSummarizer struct {
	inner Summarizer
	call  *caller
}

// NewReliableSummarizer wraps inner.
func NewReliableSummarizer(inner Summarizer, p Policy, logger *slog.Logger) *ReliableSummarizer {
	return &ReliableSummarizer{inner: inner, call: newCaller("summarize", p, logger)}
}

func (s *ReliableSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	var out string
	err := s.call.do(ctx, func(ctx context.Context) error {
		text, err := s.inner.Summarize(ctx, req)
		if err != nil {
			return err
		}
		if text == "" {
			return errors.New("summarizer returned empty text")
		}
		out = text
		return nil
	})
	return out, err
}
