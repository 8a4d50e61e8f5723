// Package ingest is the write side of the store: it accepts raw text,
// creates messages and their leaves, and schedules hierarchy builds on a
// bounded pool. It also owns the cascades that keep the vector index and
// media blobs in step with deletions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/hierarchy"
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/storage"
	"github.com/starford/strata/internal/workerpool"
)

// VectorRemover drops chunks from the vector index.
type VectorRemover interface {
	Remove(ids ...string)
}

// Service coordinates the chunk store, the hierarchy builder and the
// vector index for writes.
type Service struct {
	db      *index.DB
	builder *hierarchy.Builder
	pool    *workerpool.Pool
	vectors VectorRemover
	media   storage.Provider
	logger  *slog.Logger
	onEvent func(hierarchy.Event)
	jobs    *jobRegistry
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMedia sets where media blobs are kept. Without it AttachMedia fails.
func WithMedia(p storage.Provider) Option { return func(s *Service) { s.media = p } }

// WithVectorRemover cascades chunk deletions to the vector index.
func WithVectorRemover(v VectorRemover) Option { return func(s *Service) { s.vectors = v } }

// WithEventHandler receives message.pending events for new messages. The
// builder reports later transitions itself.
func WithEventHandler(fn func(hierarchy.Event)) Option { return func(s *Service) { s.onEvent = fn } }

// WithJobHistory sets how many finished jobs are remembered.
func WithJobHistory(n int) Option { return func(s *Service) { s.jobs = newJobRegistry(n) } }

// NewService creates a Service. Builds run on pool; a nil pool runs them
// synchronously inside Ingest.
func NewService(db *index.DB, builder *hierarchy.Builder, pool *workerpool.Pool, opts ...Option) *Service {
	s := &Service{
		db:      db,
		builder: builder,
		pool:    pool,
		logger:  slog.Default(),
		jobs:    newJobRegistry(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is one unit of raw content to ingest.
type Request struct {
	CollectionID    string          `json:"collection_id"`
	MessageID       string          `json:"message_id,omitempty"`
	Role            string          `json:"role"`
	Sequence        *int            `json:"sequence,omitempty"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	Text            string          `json:"text"`
	SourceRef       string          `json:"source_ref,omitempty"`
	Metadata        models.Metadata `json:"metadata"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CollectionID, validation.Required),
		validation.Field(&r.Role, validation.Length(0, 64)),
		validation.Field(&r.Sequence, validation.Min(0)),
		validation.Field(&r.SourceRef, validation.Length(0, 1024)),
	)
}

// Receipt is returned once a message and its leaves exist.
type Receipt struct {
	MessageID    string   `json:"message_id"`
	Sequence     int      `json:"sequence"`
	LeafChunkIDs []string `json:"leaf_chunk_ids"`
	Job          Job      `json:"job"`
}

const sequenceAttempts = 5

// Ingest stores a new message, splits it into leaves synchronously and
// queues the rest of the hierarchy. It blocks while the build pool is
// saturated. Empty input is a SplitError and creates nothing.
func (s *Service) Ingest(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w: %v", apperr.ErrInvalid, err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, &apperr.SplitError{Reason: "empty input"}
	}
	if req.Role == "" {
		req.Role = "user"
	}
	msg := &models.Message{
		ID:              req.MessageID,
		CollectionID:    req.CollectionID,
		Role:            req.Role,
		ParentMessageID: req.ParentMessageID,
		Content:         req.Text,
		SourceRef:       req.SourceRef,
		Metadata:        req.Metadata,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := s.createMessage(ctx, msg, req.Sequence); err != nil {
		return nil, err
	}
	s.emit(hierarchy.Event{MessageID: msg.ID, CollectionID: msg.CollectionID, State: msg.State, Status: msg.Status})
	s.logger.Info("ingest: message created",
		slog.String("message_id", msg.ID), slog.String("collection_id", msg.CollectionID), slog.Int("sequence", msg.Sequence))

	leaves, err := s.builder.CreateLeaves(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	job, err := s.submitBuild(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return &Receipt{MessageID: msg.ID, Sequence: msg.Sequence, LeafChunkIDs: leaves, Job: job}, nil
}

// createMessage inserts msg, assigning the next free sequence when seq is
// nil and retrying if a concurrent ingest took it first.
func (s *Service) createMessage(ctx context.Context, msg *models.Message, seq *int) error {
	if seq != nil {
		msg.Sequence = *seq
		return s.db.CreateMessage(ctx, msg)
	}
	var err error
	for attempt := 0; attempt < sequenceAttempts; attempt++ {
		msg.Sequence, err = s.db.NextSequence(ctx, msg.CollectionID)
		if err != nil {
			return err
		}
		err = s.db.CreateMessage(ctx, msg)
		if !errors.Is(err, apperr.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Service) submitBuild(ctx context.Context, messageID string) (Job, error) {
	id := uuid.NewString()
	s.jobs.add(id, messageID)
	task := func(ctx context.Context) error {
		s.jobs.start(id)
		err := s.builder.Build(ctx, messageID)
		s.jobs.finish(id, err)
		return err
	}
	if s.pool == nil {
		_ = task(ctx)
		j, _, _ := s.jobs.get(id)
		return j, nil
	}
	f, err := s.pool.Submit(ctx, task)
	if err != nil {
		s.jobs.finish(id, err)
		return Job{}, fmt.Errorf("ingest: queue build: %w", err)
	}
	s.jobs.attach(id, f)
	j, _, _ := s.jobs.get(id)
	return j, nil
}

// Status is the per-message ingestion report.
type Status struct {
	MessageID      string                `json:"message_id"`
	CollectionID   string                `json:"collection_id"`
	State          models.HierarchyState `json:"state"`
	Status         models.MessageStatus  `json:"status"`
	LastError      string                `json:"last_error,omitempty"`
	SummaryChunkID string                `json:"summary_chunk_id,omitempty"`
	Job            *Job                  `json:"job,omitempty"`
}

// Status reports where a message is in its build.
func (s *Service) Status(ctx context.Context, messageID string) (*Status, error) {
	msg, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		MessageID:      msg.ID,
		CollectionID:   msg.CollectionID,
		State:          msg.State,
		Status:         msg.Status,
		LastError:      msg.LastError,
		SummaryChunkID: msg.SummaryChunkID,
	}
	if j, ok := s.jobs.forMessage(messageID); ok {
		st.Job = &j
	}
	return st, nil
}

// Retry queues a build for a message that is not yet Linked. For a Linked
// message the returned job finishes immediately without changes.
func (s *Service) Retry(ctx context.Context, messageID string) (Job, error) {
	if _, err := s.db.GetMessage(ctx, messageID); err != nil {
		return Job{}, err
	}
	return s.submitBuild(ctx, messageID)
}

// Recover queues a build for every message left short of Linked, such as
// after a crash or a failed external call. It returns how many were queued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	msgs, err := s.db.ListIncompleteMessages(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if _, err := s.submitBuild(ctx, m.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("ingest: recovery queued", slog.Int("messages", n))
	}
	return n, nil
}

// Backfill embeds chunks that have no vector from the current model yet,
// batch at a time, until none are left or a batch makes no progress. Vectors
// left by a previous model are replaced. It returns how many vectors were
// stored.
func (s *Service) Backfill(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 256
	}
	model := s.builder.EmbeddingModel()
	total := 0
	for {
		chunks, err := s.db.ChunksMissingEmbeddings(ctx, model, batch)
		if err != nil || len(chunks) == 0 {
			return total, err
		}
		n, err := s.builder.EmbedChunks(ctx, chunks, false)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// Reembed replaces the vectors of every chunk of a message.
func (s *Service) Reembed(ctx context.Context, messageID string) (int, error) {
	if _, err := s.db.GetMessage(ctx, messageID); err != nil {
		return 0, err
	}
	chunks, err := s.db.ListChunks(ctx, messageID)
	if err != nil {
		return 0, err
	}
	return s.builder.EmbedChunks(ctx, chunks, true)
}

// Resummarize drops a message's summaries and queues a rebuild of the
// sections and document summary. Leaves are kept.
func (s *Service) Resummarize(ctx context.Context, messageID string) (Job, error) {
	ids, err := s.db.DeleteSummaries(ctx, messageID)
	if err != nil {
		return Job{}, err
	}
	s.removeVectors(ids)
	s.logger.Info("ingest: summaries dropped", slog.String("message_id", messageID), slog.Int("chunks", len(ids)))
	return s.submitBuild(ctx, messageID)
}

// DeleteChunk removes a chunk (and the summaries of its message, which no
// longer describe the remaining tree) from the store and the vector index.
func (s *Service) DeleteChunk(ctx context.Context, id string) ([]string, error) {
	del, err := s.db.DeleteChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	s.removeVectors(del.ChunkIDs)
	return del.ChunkIDs, nil
}

func (s *Service) removeVectors(ids []string) {
	if s.vectors != nil && len(ids) > 0 {
		s.vectors.Remove(ids...)
	}
}

func (s *Service) emit(e hierarchy.Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}
