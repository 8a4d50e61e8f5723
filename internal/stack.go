package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/strata/internal/hierarchy"
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/llm/openai"
	"github.com/starford/strata/internal/retrieval"
	"github.com/starford/strata/internal/splitter"
	"github.com/starford/strata/internal/storage"
	"github.com/starford/strata/internal/vectorindex"
	"github.com/starford/strata/internal/workerpool"
)

// stack holds the wired components shared by every run mode.
type stack struct {
	db       *index.DB
	media    *storage.FS
	external *workerpool.Pool
	builds   *workerpool.Pool
	vectors  *vectorindex.Writer
	builder  *hierarchy.Builder
	svc      *ingest.Service
	engine   *retrieval.Engine
}

// close stops the pools and closes the database. Pools go first so no
// build writes to a closed connection.
func (s *stack) close() {
	s.builds.Close()
	s.external.Close()
	if err := s.db.Close(); err != nil {
		slog.Warn("app: close index", slog.String("error", err.Error()))
	}
}

type stackHooks struct {
	onEvent func(hierarchy.Event)
	onFlush func(n int)
}

func newStack(ctx context.Context, cfg *Config, logger *slog.Logger, hooks stackHooks) (*stack, error) {
	if err := os.MkdirAll(cfg.Media.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	media, err := storage.NewFS(cfg.Media.Path)
	if err != nil {
		return nil, fmt.Errorf("init media storage: %w", err)
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	embedder, err := newEmbedder(cfg.Embedding, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	summarizer, err := newSummarizer(cfg.Summarizer, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	split, err := newSplitter(cfg.Splitter)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mem := vectorindex.NewMemory(embedder.ModelName())
	var writerOpts []vectorindex.WriterOption
	if hooks.onFlush != nil {
		writerOpts = append(writerOpts, vectorindex.WithOnFlush(hooks.onFlush))
	}
	vectors := vectorindex.NewWriter(mem, cfg.VectorIndex.BatchSize, cfg.VectorIndex.FlushInterval, logger, writerOpts...)

	// External calls get their own pool so a build waiting on a summary
	// never holds the slot the summary needs.
	external := workerpool.New(ctx, "external", cfg.Workers.ExternalSize, cfg.Workers.Queue, logger)
	builds := workerpool.New(ctx, "ingest", cfg.Workers.Size, cfg.Workers.Queue, logger)

	builderOpts := []hierarchy.Option{
		hierarchy.WithConfig(cfg.Hierarchy.Builder()),
		hierarchy.WithLogger(logger),
		hierarchy.WithVectorSink(vectors),
	}
	svcOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMedia(media),
		ingest.WithVectorRemover(vectors),
	}
	if hooks.onEvent != nil {
		builderOpts = append(builderOpts, hierarchy.WithEventHandler(hooks.onEvent))
		svcOpts = append(svcOpts, ingest.WithEventHandler(hooks.onEvent))
	}
	builder, err := hierarchy.New(db, split, embedder, summarizer, external, builderOpts...)
	if err != nil {
		builds.Close()
		external.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init hierarchy builder: %w", err)
	}
	svc := ingest.NewService(db, builder, builds, svcOpts...)

	s := &stack{
		db:       db,
		media:    media,
		external: external,
		builds:   builds,
		vectors:  vectors,
		builder:  builder,
		svc:      svc,
		engine:   retrieval.New(db, mem, embedder, logger),
	}
	if err := s.loadVectors(ctx, logger); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// loadVectors rebuilds the in-memory index from stored embeddings. Rows
// written by another model are loaded as foreign: searches report a model
// mismatch until back-fill re-embeds them.
func (s *stack) loadVectors(ctx context.Context, logger *slog.Logger) error {
	mem := s.vectors.Index()
	model := mem.Model()
	err := s.db.EachVector(ctx, func(r index.VectorRow) error {
		return mem.Load(r.Model, hierarchy.VectorEntry(r))
	})
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	logger.Info("app: vector index loaded",
		slog.String("model", model), slog.Int("vectors", mem.Len()), slog.Int("foreign", mem.Foreign()))
	if n := mem.Foreign(); n > 0 {
		logger.Warn("app: stored vectors from another model, re-embedding on back-fill", slog.Int("vectors", n))
	}
	return nil
}

// recover queues unfinished builds and embeds chunks left without vectors.
func (s *stack) recover(ctx context.Context, logger *slog.Logger) {
	if _, err := s.svc.Recover(ctx); err != nil {
		logger.Warn("app: recovery failed", slog.String("error", err.Error()))
	}
	n, err := s.svc.Backfill(ctx, 0)
	if err != nil {
		logger.Warn("app: back-fill failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		logger.Info("app: back-fill embedded chunks", slog.Int("chunks", n))
	}
}

func newEmbedder(cfg EmbeddingConfig, logger *slog.Logger) (llm.Embedder, error) {
	var inner llm.Embedder
	switch cfg.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithAPIKey(cfg.APIKey()),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithDimensions(cfg.Dimensions),
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		e, err := openai.NewEmbedder(opts...)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		inner = llm.NewReliableEmbedder(e, cfg.Policy(), logger)
	case ProviderHash:
		inner = llm.NewHashEmbedder(cfg.Dimensions, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return llm.NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}

func newSummarizer(cfg SummarizerConfig, logger *slog.Logger) (llm.Summarizer, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithAPIKey(cfg.APIKey()),
			openai.WithBaseURL(cfg.BaseURL),
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(cfg.MaxTokens))
		}
		s, err := openai.NewSummarizer(opts...)
		if err != nil {
			return nil, fmt.Errorf("init summarizer: %w", err)
		}
		return llm.NewReliableSummarizer(s, cfg.Policy(), logger), nil
	case ProviderExtractive:
		return llm.NewExtractiveSummarizer(cfg.MaxSentences), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}

func newSplitter(cfg SplitterConfig) (*splitter.Splitter, error) {
	counter, err := splitter.NewCounter(cfg.Tokenizer, cfg.TiktokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}
	policy, err := splitter.PolicyFor(cfg.Policy, cfg.TargetTokens, cfg.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("init splitter: %w", err)
	}
	return splitter.New(counter, policy), nil
}
