package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/models"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/embeddings"):
			var req struct {
				Input []string `json:"input"`
			}
			_ = json.Unmarshal(body, &req)
			data := make([]map[string]any, len(req.Input))
			// Reverse order to check the client honors the index field.
			for i := range req.Input {
				j := len(req.Input) - 1 - i
				data[i] = map[string]any{"object": "embedding", "index": j, "embedding": []float64{float64(j), 1}}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object": "list", "data": data, "model": "emb",
				"usage": map[string]int{"prompt_tokens": 1, "total_tokens": 1},
			})
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "c1", "object": "chat.completion", "created": 1, "model": "chat",
				"choices": []map[string]any{{
					"index": 0, "finish_reason": "stop",
					"message": map[string]any{"role": "assistant", "content": "  condensed  "},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedder_OrdersByIndex(t *testing.T) {
	srv := fakeAPI(t)
	e, err := NewEmbedder(WithAPIKey("test"), WithBaseURL(srv.URL+"/v1/"), WithModel("emb"))
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.Equal(t, "emb", e.ModelName())
}

func TestSummarizer_TrimsContent(t *testing.T) {
	srv := fakeAPI(t)
	s, err := NewSummarizer(WithAPIKey("test"), WithBaseURL(srv.URL+"/v1/"))
	require.NoError(t, err)

	var _ llm.Summarizer = s
	out, err := s.Summarize(context.Background(), llm.SummaryRequest{
		Kind: models.SummarySection, Texts: []string{"one", "two"},
	})
	require.NoError(t, err)
	assert.Equal(t, "condensed", out)
}

func TestNewEmbedder_RequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewEmbedder()
	assert.Error(t, err)
}
