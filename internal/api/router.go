package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events.
func NewRouter(h *Handler, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/collections", func(r chi.Router) {
		r.With(RequireJSON).Post("/", h.CreateCollection)
		r.Get("/", h.ListCollections)
		r.Get("/{id}", h.GetCollection)
		r.Delete("/{id}", h.DeleteCollection)
		r.Get("/{id}/messages", h.ListMessages)
	})

	r.Route("/messages", func(r chi.Router) {
		r.With(RequireJSON).Post("/", h.Ingest)
		r.Get("/{id}", h.GetMessage)
		r.Get("/{id}/status", h.MessageStatus)
		r.Post("/{id}/retry", h.Retry)
		r.Post("/{id}/resummarize", h.Resummarize)
		r.Post("/{id}/reembed", h.Reembed)
	})

	r.Get("/jobs/{id}", h.GetJob)

	r.Route("/chunks", func(r chi.Router) {
		r.Get("/{id}", h.GetChunk)
		r.Delete("/{id}", h.DeleteChunk)
		r.Get("/{id}/related", h.GetRelated)
	})

	r.With(RequireJSON).Post("/relationships", h.AddRelationship)
	r.Delete("/relationships/{id}", h.DeleteRelationship)

	r.With(RequireJSON).Post("/search", h.SemanticSearch)
	r.Get("/search/keyword", h.KeywordSearch)

	r.Post("/media", h.UploadMedia)
	r.Get("/media/{id}", h.GetMedia)
	r.Get("/media/{id}/content", h.GetMediaContent)
	r.Delete("/media/{id}", h.DeleteMedia)

	r.Get("/stats", h.Stats)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
