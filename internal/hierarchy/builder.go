// Package hierarchy builds the per-message chunk tree: leaves from the
// splitter, section summaries over groups of leaves, and one document
// summary over the sections. Each step is a conditional state transition in
// the chunk store, so a build interrupted at any point can be re-run.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/splitter"
	"github.com/starford/strata/internal/vectorindex"
	"github.com/starford/strata/internal/workerpool"
)

// VectorSink receives embeddings once they are stored.
type VectorSink interface {
	Enqueue(model string, e vectorindex.Entry)
}

// Event reports a message state change.
type Event struct {
	MessageID    string                `json:"message_id"`
	CollectionID string                `json:"collection_id"`
	State        models.HierarchyState `json:"state"`
	Status       models.MessageStatus  `json:"status"`
	Error        string                `json:"error,omitempty"`
}

// Builder runs the hierarchy state machine for messages.
type Builder struct {
	store      index.HierarchyStore
	split      *splitter.Splitter
	embedder   llm.Embedder
	summarizer llm.Summarizer
	external   *workerpool.Pool

	cfg     Config
	logger  *slog.Logger
	sink    VectorSink
	onEvent func(Event)

	locks  *keyedMutex
	embedQ chan embedJob
}

// Option configures a Builder.
type Option func(*Builder)

// WithConfig sets the grouping policy.
func WithConfig(cfg Config) Option { return func(b *Builder) { b.cfg = cfg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Builder) { b.logger = l } }

// WithVectorSink forwards stored embeddings to the vector index.
func WithVectorSink(s VectorSink) Option { return func(b *Builder) { b.sink = s } }

// WithEventHandler registers a callback for state changes.
func WithEventHandler(fn func(Event)) Option { return func(b *Builder) { b.onEvent = fn } }

// WithEmbedQueue sets how many embedding jobs may wait for Run before new
// ones are dropped and left for back-fill.
func WithEmbedQueue(n int) Option {
	return func(b *Builder) { b.embedQ = make(chan embedJob, n) }
}

// New creates a Builder. External calls run on the external pool; a nil
// pool runs them inline on the caller's goroutine.
func New(store index.HierarchyStore, split *splitter.Splitter, embedder llm.Embedder, summarizer llm.Summarizer, external *workerpool.Pool, opts ...Option) (*Builder, error) {
	b := &Builder{
		store:      store,
		split:      split,
		embedder:   embedder,
		summarizer: summarizer,
		external:   external,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		locks:      newKeyedMutex(),
		embedQ:     make(chan embedJob, 1024),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || split == nil || embedder == nil || summarizer == nil {
		return nil, errors.New("hierarchy: store, splitter, embedder and summarizer are required")
	}
	return b, nil
}

// Config returns the grouping policy in use.
func (b *Builder) Config() Config { return b.cfg }

// EmbeddingModel names the model new vectors are tagged with.
func (b *Builder) EmbeddingModel() string { return b.embedder.ModelName() }

// CreateLeaves runs only the first step and returns the message's leaf ids.
// It is a no-op for messages that already have leaves.
func (b *Builder) CreateLeaves(ctx context.Context, messageID string) ([]string, error) {
	unlock := b.locks.Lock(messageID)
	defer unlock()

	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.State == models.StateEmpty {
		if err := b.createLeaves(ctx, msg); err != nil {
			b.fail(ctx, msg, err)
			return nil, err
		}
		b.emit(Event{MessageID: msg.ID, CollectionID: msg.CollectionID, State: models.StateLeavesCreated, Status: models.StatusPartial})
	}
	leaves, err := b.store.ListChunks(ctx, messageID, models.LevelBase)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(leaves))
	for i, l := range leaves {
		ids[i] = l.ID
	}
	return ids, nil
}

// Build drives a message from its current state to Linked. A message that
// is already Linked is left untouched. On failure the message keeps its
// last committed state and is marked failed; calling Build again resumes
// from there.
func (b *Builder) Build(ctx context.Context, messageID string) error {
	unlock := b.locks.Lock(messageID)
	defer unlock()

	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	for msg.State != models.StateLinked {
		if err := b.step(ctx, msg); err != nil {
			b.fail(ctx, msg, err)
			return err
		}
		next, err := b.store.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if next.State == msg.State {
			return fmt.Errorf("hierarchy: message %s stuck in %s: %w", messageID, msg.State, apperr.ErrConflict)
		}
		msg = next
		b.emit(Event{MessageID: msg.ID, CollectionID: msg.CollectionID, State: msg.State, Status: models.StatusFor(msg.State)})
	}
	return nil
}

func (b *Builder) step(ctx context.Context, msg *models.Message) error {
	switch msg.State {
	case models.StateEmpty:
		return b.createLeaves(ctx, msg)
	case models.StateLeavesCreated:
		return b.createSections(ctx, msg)
	case models.StateSectionsCreated:
		return b.createDocument(ctx, msg)
	case models.StateDocumentSummaryCreated:
		_, err := b.store.MarkLinked(ctx, msg.ID)
		return err
	}
	return fmt.Errorf("hierarchy: message %s in unknown state %q: %w", msg.ID, msg.State, apperr.ErrInvalid)
}

func (b *Builder) createLeaves(ctx context.Context, msg *models.Message) error {
	res, err := b.split.Split(msg.Content)
	if err != nil {
		return err
	}
	if len(res.Pieces) == 0 {
		return &apperr.SplitError{Reason: "no text to split"}
	}
	leaves := make([]models.Chunk, len(res.Pieces))
	for i, p := range res.Pieces {
		span := models.Span{Start: p.Start, End: p.End}
		leaves[i] = models.Chunk{
			ID:         LeafID(msg.ID, span),
			MessageID:  msg.ID,
			Content:    p.Text,
			Level:      models.LevelBase,
			Sequence:   i,
			Span:       &span,
			Paragraph:  p.Paragraph,
			TokenCount: p.Tokens,
		}
	}
	applied, err := b.store.CommitLeaves(ctx, msg.ID, leaves)
	if err != nil {
		return fmt.Errorf("hierarchy: commit leaves: %w", err)
	}
	if applied {
		b.logger.Info("hierarchy: leaves created",
			slog.String("message_id", msg.ID), slog.Int("leaves", len(leaves)), slog.Int("gaps", len(res.Gaps)))
		b.queueEmbeddings(leaves)
	}
	return nil
}

func (b *Builder) createSections(ctx context.Context, msg *models.Message) error {
	leaves, err := b.store.ListChunks(ctx, msg.ID, models.LevelBase)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		return &apperr.SplitError{Reason: "message has no leaves"}
	}
	groups := Group(leaves, b.cfg)
	texts := make([]string, len(groups))
	futures := make([]*workerpool.Future, 0, len(groups))
	for i, g := range groups {
		inputs := contents(g)
		f, err := b.runExternal(ctx, func(ctx context.Context) error {
			text, err := b.summarizer.Summarize(ctx, llm.SummaryRequest{Kind: models.SummarySection, Texts: inputs})
			texts[i] = text
			return err
		})
		if err != nil {
			return err
		}
		futures = append(futures, f)
	}
	if err := waitAll(ctx, futures); err != nil {
		return fmt.Errorf("hierarchy: summarize sections: %w", err)
	}

	sections := make([]models.Chunk, len(groups))
	for i, g := range groups {
		ids := chunkIDs(g)
		sections[i] = b.summaryChunk(msg.ID, models.SummarySection, models.LevelSection, i, texts[i], ids)
	}
	applied, err := b.store.CommitSections(ctx, msg.ID, sections)
	if err != nil {
		return fmt.Errorf("hierarchy: commit sections: %w", err)
	}
	if applied {
		b.logger.Info("hierarchy: sections summarized",
			slog.String("message_id", msg.ID), slog.Int("sections", len(sections)))
		b.queueEmbeddings(sections)
	}
	return nil
}

func (b *Builder) createDocument(ctx context.Context, msg *models.Message) error {
	sections, err := b.store.ListChunks(ctx, msg.ID, models.LevelSection)
	if err != nil {
		return err
	}
	if len(sections) == 0 {
		return fmt.Errorf("hierarchy: message %s has no sections: %w", msg.ID, apperr.ErrConflict)
	}
	var text string
	inputs := contents(sections)
	f, err := b.runExternal(ctx, func(ctx context.Context) error {
		var err error
		text, err = b.summarizer.Summarize(ctx, llm.SummaryRequest{Kind: models.SummaryDocument, Texts: inputs})
		return err
	})
	if err != nil {
		return err
	}
	if err := f.Wait(ctx); err != nil {
		return fmt.Errorf("hierarchy: summarize document: %w", err)
	}
	doc := b.summaryChunk(msg.ID, models.SummaryDocument, models.LevelDocument, 0, text, chunkIDs(sections))
	applied, err := b.store.CommitDocumentSummary(ctx, msg.ID, &doc)
	if err != nil {
		return fmt.Errorf("hierarchy: commit document summary: %w", err)
	}
	if applied {
		b.logger.Info("hierarchy: document summarized", slog.String("message_id", msg.ID))
		b.queueEmbeddings([]models.Chunk{doc})
	}
	return nil
}

func (b *Builder) summaryChunk(messageID string, kind models.SummaryKind, level models.Level, seq int, text string, children []string) models.Chunk {
	return models.Chunk{
		ID:          SummaryID(messageID, kind, children),
		MessageID:   messageID,
		Content:     text,
		Level:       level,
		Sequence:    seq,
		TokenCount:  b.split.Counter().Count(text),
		IsSummary:   true,
		SummaryKind: kind,
		Summarizes:  children,
	}
}

// runExternal submits task to the external pool, blocking while the pool
// is saturated.
func (b *Builder) runExternal(ctx context.Context, task workerpool.Task) (*workerpool.Future, error) {
	if b.external == nil {
		return workerpool.Resolved(task(ctx)), nil
	}
	f, err := b.external.Submit(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: submit: %w", err)
	}
	return f, nil
}

func waitAll(ctx context.Context, fs []*workerpool.Future) error {
	var errs []error
	for _, f := range fs {
		if err := f.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Builder) fail(ctx context.Context, msg *models.Message, cause error) {
	if ctx.Err() != nil {
		// Shutdown: leave the status alone so recovery picks the message up.
		return
	}
	b.logger.Error("hierarchy: build failed",
		slog.String("message_id", msg.ID), slog.String("state", string(msg.State)), slog.String("error", cause.Error()))
	if err := b.store.SetMessageStatus(ctx, msg.ID, models.StatusFailed, cause.Error()); err != nil {
		b.logger.Error("hierarchy: record failure", slog.String("message_id", msg.ID), slog.String("error", err.Error()))
	}
	current := msg.State
	if m, err := b.store.GetMessage(ctx, msg.ID); err == nil {
		current = m.State
	}
	b.emit(Event{MessageID: msg.ID, CollectionID: msg.CollectionID, State: current, Status: models.StatusFailed, Error: cause.Error()})
}

func (b *Builder) emit(e Event) {
	if b.onEvent != nil {
		b.onEvent(e)
	}
}

func contents(cs []models.Chunk) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = strings.TrimSpace(c.Content)
	}
	return out
}

func chunkIDs(cs []models.Chunk) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
