// Package api implements the REST transport of the chunk store using chi.
package api

import (
	"mime"
	"net/http"
)

// RequireJSON rejects request bodies that are not declared as JSON. Requests
// without a body pass through.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength == 0 && r.Header.Get("Content-Type") == "" {
			next.ServeHTTP(w, r)
			return
		}
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, errorBody("content type must be application/json"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
