package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/retrieval"
)

// relatedParams reads relationship traversal options from the query string.
// prefix is "" for the related endpoint and "related_" where related
// chunks are an optional breadcrumb extra.
func relatedParams(r *http.Request, prefix string) retrieval.RelatedOptions {
	q := r.URL.Query()
	var opts retrieval.RelatedOptions
	if raw := q.Get(prefix + "kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				opts.Kinds = append(opts.Kinds, models.RelationKind(k))
			}
		}
	}
	opts.MaxDepth, _ = strconv.Atoi(q.Get(prefix + "depth"))
	opts.Direction = models.Direction(q.Get(prefix + "direction"))
	return opts
}

// breadcrumbRelated returns traversal options when the caller asked for
// related chunks in breadcrumbs (?related=true or any related_* param).
func breadcrumbRelated(r *http.Request) *retrieval.RelatedOptions {
	q := r.URL.Query()
	if q.Get("related") == "" && q.Get("related_kinds") == "" && q.Get("related_depth") == "" {
		return nil
	}
	if b, err := strconv.ParseBool(q.Get("related")); err == nil && !b {
		return nil
	}
	opts := relatedParams(r, "related_")
	return &opts
}

// GetChunk handles GET /api/chunks/{id}.
//
//	@Summary	Get a chunk with its children and breadcrumb
//	@Tags		chunks
//	@Produce	json
//	@Param		id				path		string	true	"Chunk id"
//	@Param		related			query		bool	false	"Include related chunks in the breadcrumb"
//	@Param		related_kinds	query		string	false	"Comma separated relationship kinds"
//	@Success	200				{object}	retrieval.ChunkView
//	@Failure	404				{object}	errResponse
//	@Router		/chunks/{id} [get]
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetChunk(r.Context(), chi.URLParam(r, "id"), breadcrumbRelated(r))
	if err != nil {
		h.writeError(w, "get chunk", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteChunk handles DELETE /api/chunks/{id}.
func (h *Handler) DeleteChunk(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.DeleteChunk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "delete chunk", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteChunkResponse{Deleted: ids})
}

// GetRelated handles GET /api/chunks/{id}/related?kinds=&depth=&direction=.
func (h *Handler) GetRelated(w http.ResponseWriter, r *http.Request) {
	related, err := h.engine.GetRelated(r.Context(), chi.URLParam(r, "id"), relatedParams(r, ""))
	if err != nil {
		h.writeError(w, "get related", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related})
}

// AddRelationship handles POST /api/relationships.
//
//	@Summary	Create a typed relationship between two chunks
//	@Tags		relationships
//	@Accept		json
//	@Produce	json
//	@Param		body	body		ingest.RelationshipRequest	true	"Relationship"
//	@Success	201		{object}	models.ChunkRelationship
//	@Failure	400		{object}	errResponse
//	@Failure	422		{object}	errResponse
//	@Router		/relationships [post]
func (h *Handler) AddRelationship(w http.ResponseWriter, r *http.Request) {
	var req ingest.RelationshipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rel, err := h.svc.AddRelationship(r.Context(), req)
	if err != nil {
		h.writeError(w, "add relationship", err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

// DeleteRelationship handles DELETE /api/relationships/{id}.
func (h *Handler) DeleteRelationship(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRelationship(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, "delete relationship", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SemanticSearch handles POST /api/search.
//
//	@Summary	Semantic search across every chunk level
//	@Tags		search
//	@Accept		json
//	@Produce	json
//	@Param		body	body		SearchBody	true	"Query"
//	@Success	200		{object}	retrieval.SearchResponse
//	@Failure	400		{object}	errResponse
//	@Failure	409		{object}	errResponse	"Embedding model mismatch"
//	@Failure	502		{object}	errResponse
//	@Router		/search [post]
func (h *Handler) SemanticSearch(w http.ResponseWriter, r *http.Request) {
	var body SearchBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req := body.SearchRequest
	req.Related = body.Related
	resp, err := h.engine.SemanticSearch(r.Context(), req)
	if err != nil {
		h.writeError(w, "semantic search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// KeywordSearch handles GET /api/search/keyword?q=&limit=&collection_id=.
func (h *Handler) KeywordSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("q") == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	resp, err := h.engine.KeywordSearch(r.Context(), retrieval.KeywordRequest{
		Query:        q.Get("q"),
		Limit:        queryInt(r, "limit"),
		CollectionID: q.Get("collection_id"),
		Related:      breadcrumbRelated(r),
	})
	if err != nil {
		h.writeError(w, "keyword search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
