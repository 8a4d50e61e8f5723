package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/retrieval"
	"github.com/starford/strata/internal/vectorindex"
)

// Handler holds API route handlers.
type Handler struct {
	db      *index.DB
	svc     *ingest.Service
	engine  *retrieval.Engine
	vectors *vectorindex.Writer
	logger  *slog.Logger
}

// NewHandler creates a new Handler. vectors may be nil; stats then omit
// the vector index.
func NewHandler(db *index.DB, svc *ingest.Service, engine *retrieval.Engine, vectors *vectorindex.Writer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, svc: svc, engine: engine, vectors: vectors, logger: logger}
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// CreateCollection handles POST /api/collections.
//
//	@Summary	Create a collection
//	@Tags		collections
//	@Accept		json
//	@Produce	json
//	@Param		body	body		CreateCollectionRequest	true	"Collection to create"
//	@Success	201		{object}	models.Collection
//	@Failure	400		{object}	errResponse
//	@Failure	409		{object}	errResponse
//	@Router		/collections [post]
func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req CreateCollectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := &models.Collection{
		ID:             req.ID,
		Type:           req.Type,
		Title:          req.Title,
		SourcePlatform: req.SourcePlatform,
		UserID:         req.UserID,
	}
	if err := h.svc.CreateCollection(r.Context(), c); err != nil {
		h.writeError(w, "create collection", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCollections handles GET /api/collections.
//
//	@Summary	List collections
//	@Tags		collections
//	@Produce	json
//	@Param		limit	query		int	false	"Page size"
//	@Param		offset	query		int	false	"Page offset"
//	@Success	200		{object}	CollectionListResponse
//	@Router		/collections [get]
func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.db.ListCollections(r.Context(), queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		h.writeError(w, "list collections", err)
		return
	}
	writeJSON(w, http.StatusOK, CollectionListResponse{Collections: items, Total: total})
}

// GetCollection handles GET /api/collections/{id}.
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	c, err := h.db.GetCollection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "get collection", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCollection handles DELETE /api/collections/{id}. Messages, chunks,
// relationships, media and vectors go with it.
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteCollection(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, "delete collection", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /api/collections/{id}/messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.db.GetCollection(r.Context(), id); err != nil {
		h.writeError(w, "list messages", err)
		return
	}
	items, total, err := h.db.ListMessages(r.Context(), id, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		h.writeError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, MessageListResponse{Messages: items, Total: total})
}

// Ingest handles POST /api/messages.
//
//	@Summary	Ingest raw text as a new message
//	@Description	Leaves are created before the response; summaries and embeddings follow in the background.
//	@Tags		messages
//	@Accept		json
//	@Produce	json
//	@Param		body	body		ingest.Request	true	"Message to ingest"
//	@Success	202		{object}	ingest.Receipt
//	@Failure	400		{object}	errResponse
//	@Failure	404		{object}	errResponse
//	@Failure	422		{object}	errResponse
//	@Router		/messages [post]
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := h.svc.Ingest(r.Context(), req)
	if err != nil {
		h.writeError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// GetMessage handles GET /api/messages/{id}?depth=summary_only|sections|full.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	depth, err := retrieval.ParseDepth(r.URL.Query().Get("depth"))
	if err != nil {
		h.writeError(w, "get message", err)
		return
	}
	view, err := h.engine.GetMessageView(r.Context(), chi.URLParam(r, "id"), depth)
	if err != nil {
		h.writeError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// MessageStatus handles GET /api/messages/{id}/status.
func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "message status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Retry handles POST /api/messages/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "retry", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Resummarize handles POST /api/messages/{id}/resummarize.
func (h *Handler) Resummarize(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Resummarize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "resummarize", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Reembed handles POST /api/messages/{id}/reembed. It replaces every
// embedding of the message and returns once the vectors are stored.
func (h *Handler) Reembed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.svc.Reembed(r.Context(), id)
	if err != nil {
		h.writeError(w, "reembed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReembedResponse{MessageID: id, Embedded: n})
}

// GetJob handles GET /api/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.db.Stats(r.Context())
	if err != nil {
		h.writeError(w, "stats", err)
		return
	}
	resp := StatsResponse{Stats: s}
	if h.vectors != nil {
		resp.VectorModel = h.vectors.Index().Model()
		resp.Vectors = h.vectors.Index().Len()
		resp.Lag = h.vectors.Lag()
	}
	writeJSON(w, http.StatusOK, resp)
}
