package vectorindex

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lag describes upserts accepted but not yet searchable.
type Lag struct {
	Pending int           `json:"pending"`
	Oldest  time.Duration `json:"oldest_ns"`
}

type pending struct {
	model string
	entry Entry
	since time.Time
}

// Writer batches upserts into a Memory index. Removals bypass the batch so
// deleted chunks stop matching immediately.
type Writer struct {
	idx       *Memory
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	onFlush   func(n int)

	// flushMu orders Remove against an in-flight Flush so a removed chunk
	// is never re-added by a batch taken before the removal.
	flushMu sync.Mutex
	mu      sync.Mutex
	pending map[string]pending
	kick    chan struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithOnFlush registers a callback run after each non-empty flush.
func WithOnFlush(fn func(n int)) WriterOption { return func(w *Writer) { w.onFlush = fn } }

// NewWriter creates a Writer. Run must be started for batches to drain on
// their own; Flush drains synchronously.
func NewWriter(idx *Memory, batchSize int, interval time.Duration, logger *slog.Logger, opts ...WriterOption) *Writer {
	if batchSize <= 0 {
		batchSize = 64
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		idx:       idx,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		pending:   make(map[string]pending),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Index returns the underlying index.
func (w *Writer) Index() *Memory { return w.idx }

// Enqueue schedules an upsert. A later enqueue for the same chunk wins.
func (w *Writer) Enqueue(model string, e Entry) {
	w.mu.Lock()
	since := time.Now()
	if old, ok := w.pending[e.ChunkID]; ok {
		since = old.since
	}
	w.pending[e.ChunkID] = pending{model: model, entry: e, since: since}
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Remove drops ids from the pending batch and from the index.
func (w *Writer) Remove(ids ...string) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.mu.Lock()
	for _, id := range ids {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	w.idx.Remove(ids...)
}

// Flush applies every pending upsert and returns how many were applied.
func (w *Writer) Flush() int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]pending)
	w.mu.Unlock()

	applied := 0
	for id, p := range batch {
		if err := w.idx.Upsert(p.model, p.entry); err != nil {
			w.logger.Warn("vectorindex: upsert failed", slog.String("chunk_id", id), slog.String("error", err.Error()))
			continue
		}
		applied++
	}
	if applied > 0 && w.onFlush != nil {
		w.onFlush(applied)
	}
	return applied
}

// Lag reports the pending backlog and the age of its oldest entry.
func (w *Writer) Lag() Lag {
	w.mu.Lock()
	defer w.mu.Unlock()
	l := Lag{Pending: len(w.pending)}
	now := time.Now()
	for _, p := range w.pending {
		if age := now.Sub(p.since); age > l.Oldest {
			l.Oldest = age
		}
	}
	return l
}

// Run flushes every interval, or sooner when a batch fills, until ctx is
// cancelled; it flushes once more before returning.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("vectorindex: writer started", slog.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.Flush()
			w.logger.Info("vectorindex: writer stopped")
			return nil
		case <-ticker.C:
			w.Flush()
		case <-w.kick:
			w.Flush()
		}
	}
}
