package internal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/retrieval"
)

func stackConfig(dir, model string) *Config {
	cfg := NewDefaultConfig()
	cfg.SQLite.Path = filepath.Join(dir, "strata.db")
	cfg.Media.Path = filepath.Join(dir, "media")
	cfg.Splitter = SplitterConfig{Policy: "custom", TargetTokens: 3, Tokenizer: "words"}
	cfg.Embedding.Model = model
	cfg.Embedding.Dimensions = 32
	return cfg
}

func openStack(t *testing.T, ctx context.Context, cfg *Config) *stack {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st, err := newStack(ctx, cfg, logger, stackHooks{})
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	return st
}

func TestStack_EmbeddingModelChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	first := openStack(t, ctx, stackConfig(dir, "m2"))
	if err := first.svc.EnsureCollection(ctx, &models.Collection{ID: "c1", Type: models.CollectionDocument}); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	receipt, err := first.svc.Ingest(ctx, ingest.Request{
		CollectionID: "c1", Role: "user", Text: "The cat sat. It was warm. The sun set slowly.",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if job, err := first.svc.WaitJob(ctx, receipt.Job.ID); err != nil || job.State != ingest.JobDone {
		t.Fatalf("WaitJob = %+v, %v", job, err)
	}
	if n, err := first.svc.Backfill(ctx, 0); err != nil || n != 5 {
		t.Fatalf("Backfill = %d, %v; want 5", n, err)
	}
	first.close()

	second := openStack(t, ctx, stackConfig(dir, "m1"))
	defer second.close()
	if got := second.vectors.Index().Foreign(); got != 5 {
		t.Fatalf("foreign vectors = %d, want 5", got)
	}

	req := retrieval.SearchRequest{Query: "The cat sat."}
	resp, err := second.engine.SemanticSearch(ctx, req)
	if !apperr.IsModelMismatch(err) {
		t.Fatalf("expected EmbeddingModelMismatch, got %v", err)
	}
	if resp != nil && len(resp.Results) != 0 {
		t.Errorf("mismatch returned %d results", len(resp.Results))
	}

	n, err := second.svc.Backfill(ctx, 0)
	if err != nil || n != 5 {
		t.Fatalf("Backfill after model change = %d, %v; want 5", n, err)
	}
	second.vectors.Flush()

	resp, err = second.engine.SemanticSearch(ctx, req)
	if err != nil {
		t.Fatalf("search after re-embed: %v", err)
	}
	if len(resp.Results) == 0 || resp.Model != "m1" {
		t.Errorf("results = %d model = %q", len(resp.Results), resp.Model)
	}
	if n, _ := second.svc.Backfill(ctx, 0); n != 0 {
		t.Errorf("second back-fill re-embedded %d", n)
	}
}
