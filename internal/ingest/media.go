package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/checksum"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/storage"
)

// MaxMediaSize bounds a single media upload.
const MaxMediaSize = 32 << 20

// MediaUpload is a binary asset to attach.
type MediaUpload struct {
	CollectionID      string
	MessageID         string
	Filename          string
	MimeType          string
	Data              []byte
	GeneratedChunkIDs []string
}

func (u MediaUpload) validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.CollectionID, validation.Required),
		validation.Field(&u.Filename, validation.Required, validation.Length(1, 255)),
		validation.Field(&u.Data, validation.Required, validation.Length(1, MaxMediaSize)),
	)
}

// AttachMedia stores the blob content-addressed by its SHA-256 and records
// the media row. Identical content is stored once.
func (s *Service) AttachMedia(ctx context.Context, u MediaUpload) (*models.Media, error) {
	if s.media == nil {
		return nil, errors.New("ingest: media storage is not configured")
	}
	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w: %v", apperr.ErrInvalid, err)
	}
	name := filepath.Base(u.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	mt := u.MimeType
	if mt == "" {
		mt = mime.TypeByExtension(ext)
	}
	if mt == "" {
		mt = http.DetectContentType(u.Data)
	}

	sum := checksum.Sum(u.Data)
	path := storage.BlobPath(sum, ext)
	wrote := false
	if !s.media.Exists(path) {
		if err := s.media.Write(path, u.Data); err != nil {
			return nil, fmt.Errorf("ingest: store media: %w", err)
		}
		wrote = true
	}
	m := &models.Media{
		ID:                uuid.NewString(),
		CollectionID:      u.CollectionID,
		MessageID:         u.MessageID,
		Filename:          name,
		MimeType:          mt,
		Size:              int64(len(u.Data)),
		Checksum:          sum,
		BlobPath:          path,
		GeneratedChunkIDs: u.GeneratedChunkIDs,
	}
	if err := s.db.PutMedia(ctx, m); err != nil {
		if wrote {
			s.releaseBlob(ctx, path)
		}
		return nil, err
	}
	return m, nil
}

// ReadMedia returns a media row and its bytes.
func (s *Service) ReadMedia(ctx context.Context, id string) (*models.Media, []byte, error) {
	m, err := s.db.GetMedia(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.media == nil {
		return nil, nil, errors.New("ingest: media storage is not configured")
	}
	data, err := s.media.Read(m.BlobPath)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: media %s blob: %w", id, apperr.ErrNotFound)
	}
	return m, data, nil
}

// DeleteMedia removes a media row and its blob when nothing else uses it.
func (s *Service) DeleteMedia(ctx context.Context, id string) error {
	m, err := s.db.DeleteMedia(ctx, id)
	if err != nil {
		return err
	}
	s.releaseBlob(ctx, m.BlobPath)
	return nil
}

func (s *Service) releaseBlob(ctx context.Context, path string) {
	if s.media == nil || path == "" {
		return
	}
	inUse, err := s.db.BlobInUse(ctx, path)
	if err != nil {
		s.logger.Warn("ingest: blob refs", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if inUse {
		return
	}
	if err := s.media.Delete(path); err != nil {
		s.logger.Warn("ingest: delete blob", slog.String("path", path), slog.String("error", err.Error()))
	}
}
