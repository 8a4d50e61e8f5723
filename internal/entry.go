// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/strata/internal/api"
	"github.com/starford/strata/internal/checksum"
	"github.com/starford/strata/internal/hierarchy"
	"github.com/starford/strata/internal/inbox"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/mcpserver"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/sse"
	"github.com/starford/strata/internal/storage"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("media_path", cfg.Media.Path),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("summarizer_provider", cfg.Summarizer.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	st, err := newStack(ctx, cfg, logger, stackHooks{
		onEvent: func(ev hierarchy.Event) {
			broker.PublishMessageEvent(string(ev.Status), ev)
		},
		onFlush: broker.PublishIndexed,
	})
	if err != nil {
		return err
	}
	defer st.close()

	handler := api.NewHandler(st.db, st.svc, st.engine, st.vectors, logger)
	apiRouter := api.NewRouter(handler, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, code := "ok", http.StatusOK
		if err := st.db.Ping(req.Context()); err != nil {
			status, code = "index unavailable", http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"vector_lag": st.vectors.Lag(),
		})
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var watcher *inbox.Watcher
	if cfg.Inbox.Enabled {
		if watcher, err = newInbox(ctx, cfg.Inbox, st, logger); err != nil {
			return err
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return st.vectors.Run(gCtx) })
	g.Go(func() error { return st.builder.Run(gCtx) })

	// Resume interrupted builds in the background so the server comes up
	// without waiting on external calls.
	g.Go(func() error {
		st.recover(gCtx, logger)
		return nil
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gCtx) })
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// SSE streams never end on their own; close them before Shutdown
		// waits for active connections.
		broker.Close()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools over stdin/stdout until the client
// disconnects or a signal arrives.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := newStack(ctx, cfg, logger, stackHooks{})
	if err != nil {
		return err
	}
	defer st.close()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.vectors.Run(gCtx) })
	g.Go(func() error { return st.builder.Run(gCtx) })
	g.Go(func() error {
		st.recover(gCtx, logger)
		return nil
	})

	logger.Info("mcp: serving on stdio")
	serveErr := mcpserver.New(st.db, st.svc, st.engine, logger).ServeStdio()
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if serveErr != nil {
		return fmt.Errorf("mcp serve: %w", serveErr)
	}
	return nil
}

// IngestResult reports a one-shot file ingest.
type IngestResult struct {
	Receipt  *ingest.Receipt `json:"receipt"`
	Job      ingest.Job      `json:"job"`
	Embedded int             `json:"embedded"`
}

// IngestFile stores the file at path as one document message in
// collection, waits for its hierarchy, and embeds it.
func IngestFile(ctx context.Context, path, collection string, opts ...Option) (*IngestResult, error) {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	logger := app.logger()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	st, err := newStack(ctx, app.config, logger, stackHooks{})
	if err != nil {
		return nil, err
	}
	defer st.close()

	if err := st.svc.EnsureCollection(ctx, &models.Collection{
		ID:    collection,
		Type:  models.CollectionDocument,
		Title: collection,
	}); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	sum := checksum.Sum(data)
	receipt, err := st.svc.Ingest(ctx, ingest.Request{
		CollectionID: collection,
		Role:         "document",
		Text:         string(data),
		SourceRef:    "file:" + filepath.ToSlash(path) + "@" + sum,
		Metadata:     models.SourceMetadata(models.SourceFile{Path: filepath.ToSlash(path), Checksum: sum}),
	})
	if err != nil {
		return nil, err
	}
	job, err := st.svc.WaitJob(ctx, receipt.Job.ID)
	if err != nil {
		return nil, err
	}
	if job.State != ingest.JobDone {
		return &IngestResult{Receipt: receipt, Job: job}, fmt.Errorf("build failed: %s", job.Error)
	}
	n, err := st.svc.Backfill(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return &IngestResult{Receipt: receipt, Job: job, Embedded: n}, nil
}

func newInbox(ctx context.Context, cfg InboxConfig, st *stack, logger *slog.Logger) (*inbox.Watcher, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	fs, err := storage.NewFS(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("init inbox storage: %w", err)
	}
	if err := st.svc.EnsureCollection(ctx, &models.Collection{
		ID:    cfg.Collection,
		Type:  models.CollectionDocument,
		Title: "Inbox",
	}); err != nil {
		return nil, fmt.Errorf("ensure inbox collection: %w", err)
	}
	return inbox.New(fs, st.db, st.svc, cfg.Collection, inbox.WithLogger(logger)), nil
}
