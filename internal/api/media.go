package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/strata/internal/ingest"
)

// UploadMedia handles POST /api/media (multipart/form-data).
// Fields: file, collection_id, message_id, generated_chunk_ids (comma separated).
//
//	@Summary	Attach a binary asset to a message
//	@Tags		media
//	@Accept		multipart/form-data
//	@Produce	json
//	@Success	201	{object}	models.Media
//	@Failure	400	{object}	errResponse
//	@Failure	422	{object}	errResponse
//	@Router		/media [post]
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxMediaSize+1<<20)

	if err := r.ParseMultipartForm(ingest.MaxMediaSize); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, ingest.MaxMediaSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	mt := header.Header.Get("Content-Type")
	if mt == "application/octet-stream" {
		mt = ""
	}

	var generated []string
	for _, id := range strings.Split(r.FormValue("generated_chunk_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			generated = append(generated, id)
		}
	}

	m, err := h.svc.AttachMedia(r.Context(), ingest.MediaUpload{
		CollectionID:      r.FormValue("collection_id"),
		MessageID:         r.FormValue("message_id"),
		Filename:          header.Filename,
		MimeType:          mt,
		Data:              data,
		GeneratedChunkIDs: generated,
	})
	if err != nil {
		h.writeError(w, "upload media", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMedia handles GET /api/media/{id}.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	m, err := h.db.GetMedia(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "get media", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMediaContent handles GET /api/media/{id}/content and streams the blob.
func (h *Handler) GetMediaContent(w http.ResponseWriter, r *http.Request) {
	m, data, err := h.svc.ReadMedia(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "read media", err)
		return
	}
	w.Header().Set("Content-Type", m.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"`+m.Checksum+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DeleteMedia handles DELETE /api/media/{id}.
func (h *Handler) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMedia(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, "delete media", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
