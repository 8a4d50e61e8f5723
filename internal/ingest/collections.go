package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

// CreateCollection stores a new collection, generating an id when empty.
func (s *Service) CreateCollection(ctx context.Context, c *models.Collection) error {
	if c.Type == "" {
		c.Type = models.CollectionConversation
	}
	err := validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.By(func(v any) error {
			if !v.(models.CollectionType).Valid() {
				return errors.New("must be conversation, session, document or archive")
			}
			return nil
		})),
		validation.Field(&c.Title, validation.Length(0, 512)),
	)
	if err != nil {
		return fmt.Errorf("ingest: %w: %v", apperr.ErrInvalid, err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.CreateCollection(ctx, c)
}

// EnsureCollection creates c unless a collection with its id exists.
func (s *Service) EnsureCollection(ctx context.Context, c *models.Collection) error {
	err := s.CreateCollection(ctx, c)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return nil
	}
	return err
}

// DeleteCollection removes a collection with everything under it, then
// drops its vectors and any media blobs no other row still uses.
func (s *Service) DeleteCollection(ctx context.Context, id string) error {
	del, err := s.db.DeleteCollection(ctx, id)
	if err != nil {
		return err
	}
	s.removeVectors(del.ChunkIDs)
	for _, p := range del.BlobPaths {
		s.releaseBlob(ctx, p)
	}
	s.logger.Info("ingest: collection deleted",
		slog.String("collection_id", id), slog.Int("chunks", len(del.ChunkIDs)), slog.Int("blobs", len(del.BlobPaths)))
	return nil
}

// RelationshipRequest is a relationship write.
type RelationshipRequest struct {
	SourceChunkID string              `json:"source_chunk_id"`
	TargetChunkID string              `json:"target_chunk_id"`
	Kind          models.RelationKind `json:"kind"`
	Strength      *float64            `json:"strength,omitempty"`
	Metadata      models.Metadata     `json:"metadata"`
}

// Validate checks the request shape. Endpoint existence is checked by the
// store inside its write transaction.
func (r RelationshipRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SourceChunkID, validation.Required),
		validation.Field(&r.TargetChunkID, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.By(func(v any) error {
			if !v.(models.RelationKind).Valid() {
				return fmt.Errorf("unknown kind %q", v)
			}
			return nil
		})),
		validation.Field(&r.Strength, validation.Min(0.0), validation.Max(1.0)),
	)
}

// AddRelationship records a typed edge between two existing chunks. The
// strength defaults to 1.
func (s *Service) AddRelationship(ctx context.Context, req RelationshipRequest) (*models.ChunkRelationship, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w: %v", apperr.ErrInvalid, err)
	}
	strength := 1.0
	if req.Strength != nil {
		strength = *req.Strength
	}
	r := &models.ChunkRelationship{
		ID:       uuid.NewString(),
		SourceID: req.SourceChunkID,
		TargetID: req.TargetChunkID,
		Kind:     req.Kind,
		Strength: strength,
		Metadata: req.Metadata,
	}
	if err := s.db.PutRelationship(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteRelationship removes one relationship.
func (s *Service) DeleteRelationship(ctx context.Context, id string) error {
	return s.db.DeleteRelationship(ctx, id)
}
