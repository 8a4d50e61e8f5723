package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/hierarchy"
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/retrieval"
	"github.com/starford/strata/internal/splitter"
	"github.com/starford/strata/internal/testutil"
	"github.com/starford/strata/internal/vectorindex"
)

const scenario = "The cat sat. It was warm. The sun set slowly."

type testEnv struct {
	db      *index.DB
	svc     *ingest.Service
	writer  *vectorindex.Writer
	handler http.Handler
}

// newTestEnv wires a synchronous stack: builds run inside the request and
// vectors become searchable on flush.
func newTestEnv(t *testing.T, sseHandler http.Handler) *testEnv {
	t.Helper()
	db := testutil.TestDB(t)
	testutil.SeedCollection(t, db, "c1", "u1")
	_, media := testutil.TestMediaStore(t)

	policy, err := splitter.PolicyFor("custom", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	embedder := llm.NewHashEmbedder(64, "")
	writer := vectorindex.NewWriter(vectorindex.NewMemory(embedder.ModelName()), 0, 0, nil)
	b, err := hierarchy.New(db, splitter.New(splitter.WordCounter{}, policy), embedder,
		llm.NewExtractiveSummarizer(2), nil, hierarchy.WithVectorSink(writer))
	if err != nil {
		t.Fatal(err)
	}
	svc := ingest.NewService(db, b, nil, ingest.WithMedia(media), ingest.WithVectorRemover(writer))
	engine := retrieval.New(db, writer.Index(), embedder, nil)
	h := NewHandler(db, svc, engine, writer, nil)
	return &testEnv{db: db, svc: svc, writer: writer, handler: NewRouter(h, sseHandler)}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, target, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body %s)", v, err, w.Body.String())
	}
	return v
}

// ingestIndexed ingests text and makes every chunk of it searchable.
func (e *testEnv) ingestIndexed(t *testing.T, text string) ingest.Receipt {
	t.Helper()
	w := e.do(t, http.MethodPost, "/messages", map[string]any{"collection_id": "c1", "text": text})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d, body = %s", w.Code, w.Body.String())
	}
	r := decode[ingest.Receipt](t, w)
	if _, err := e.svc.Backfill(context.Background(), 100); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	e.writer.Flush()
	return r
}

func TestCollectionsCRUD(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodPost, "/collections", map[string]any{"id": "c2", "title": "Review"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]any](t, w)["type"]; got != "conversation" {
		t.Errorf("default type = %v", got)
	}

	if w = e.do(t, http.MethodPost, "/collections", map[string]any{"id": "c2"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", w.Code)
	}
	if w = e.do(t, http.MethodPost, "/collections", map[string]any{"type": "diary"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad type = %d, want 400", w.Code)
	}

	w = e.do(t, http.MethodGet, "/collections", nil)
	if list := decode[CollectionListResponse](t, w); list.Total != 2 {
		t.Errorf("total = %d, want 2", list.Total)
	}

	if w = e.do(t, http.MethodDelete, "/collections/c2", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w = e.do(t, http.MethodGet, "/collections/c2", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", w.Code)
	}
}

func TestIngestAndMessageView(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ingestIndexed(t, scenario)
	if len(r.LeafChunkIDs) != 3 {
		t.Fatalf("leaves = %v", r.LeafChunkIDs)
	}

	w := e.do(t, http.MethodGet, "/messages/"+r.MessageID+"?depth=full", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("view = %d, body = %s", w.Code, w.Body.String())
	}
	view := decode[retrieval.MessageView](t, w)
	if !view.Complete || view.Document == nil || len(view.Sections) != 1 || len(view.Sections[0].Leaves) != 3 {
		t.Errorf("full view = %+v", view)
	}

	w = e.do(t, http.MethodGet, "/messages/"+r.MessageID+"/status", nil)
	st := decode[ingest.Status](t, w)
	if st.Status != "complete" || st.SummaryChunkID == "" {
		t.Errorf("status = %+v", st)
	}

	w = e.do(t, http.MethodGet, "/collections/c1/messages", nil)
	if list := decode[MessageListResponse](t, w); list.Total != 1 {
		t.Errorf("messages = %d, want 1", list.Total)
	}

	if w = e.do(t, http.MethodGet, "/messages/"+r.MessageID+"?depth=deep", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad depth = %d, want 400", w.Code)
	}
	if w = e.do(t, http.MethodGet, "/messages/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing message = %d, want 404", w.Code)
	}
}

func TestIngest_Errors(t *testing.T) {
	e := newTestEnv(t, nil)

	if w := e.do(t, http.MethodPost, "/messages", map[string]any{"collection_id": "c1", "text": "  \n "}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank text = %d, want 422", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/messages", map[string]any{"text": "hi"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing collection = %d, want 400", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/messages", map[string]any{"collection_id": "zz", "text": "hi"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown collection = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/messages", map[string]any{"collection_id": "c1", "text": "hi", "colour": 1}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"collection_id":"c1","text":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain body = %d, want 415", w.Code)
	}
}

func TestSemanticSearch(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ingestIndexed(t, scenario)
	e.ingestIndexed(t, "Stocks fell sharply today. Bond yields rose again. Traders expect more volatility.")

	w := e.do(t, http.MethodPost, "/search", map[string]any{"query": "The cat sat.", "k": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[retrieval.SearchResponse](t, w)
	if len(resp.Results) == 0 || resp.Results[0].ChunkID != r.LeafChunkIDs[0] {
		t.Fatalf("top hit = %+v, want %s", resp.Results, r.LeafChunkIDs[0])
	}
	top := resp.Results[0]
	if top.Breadcrumb.Message == nil || top.Breadcrumb.Message.ID != r.MessageID {
		t.Errorf("breadcrumb message = %+v", top.Breadcrumb.Message)
	}
	if len(top.Breadcrumb.ParentChunks) != 2 {
		t.Errorf("parents = %d, want 2", len(top.Breadcrumb.ParentChunks))
	}
	if resp.TotalConsidered != 10 {
		t.Errorf("considered = %d, want 10", resp.TotalConsidered)
	}

	w = e.do(t, http.MethodPost, "/search", map[string]any{"query": "cat", "levels": []string{"document"}, "limit": 1})
	if resp = decode[retrieval.SearchResponse](t, w); len(resp.Results) != 1 || resp.Results[0].Level != "document" {
		t.Errorf("document search = %+v", resp.Results)
	}

	if w = e.do(t, http.MethodPost, "/search", map[string]any{"query": "cat", "k": 5000}); w.Code != http.StatusBadRequest {
		t.Errorf("k over max = %d, want 400", w.Code)
	}
	if w = e.do(t, http.MethodPost, "/search", map[string]any{"query": ""}); w.Code != http.StatusBadRequest {
		t.Errorf("empty query = %d, want 400", w.Code)
	}
}

func TestKeywordSearch(t *testing.T) {
	e := newTestEnv(t, nil)
	e.ingestIndexed(t, scenario)

	w := e.do(t, http.MethodGet, "/search/keyword?q=warm&collection_id=c1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("keyword = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decode[retrieval.SearchResponse](t, w); len(resp.Results) == 0 {
		t.Error("expected keyword hits")
	}
	if w = e.do(t, http.MethodGet, "/search/keyword", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing q = %d, want 400", w.Code)
	}
}

func TestChunksAndRelationships(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.ingestIndexed(t, scenario)
	b := e.ingestIndexed(t, "Stocks fell sharply today. Bond yields rose again. Traders expect more volatility.")

	w := e.do(t, http.MethodGet, "/chunks/"+a.LeafChunkIDs[0], nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get chunk = %d", w.Code)
	}
	if view := decode[retrieval.ChunkView](t, w); view.Chunk.Span == nil || view.Chunk.Span.End != 12 {
		t.Errorf("chunk = %+v", view.Chunk)
	}

	w = e.do(t, http.MethodPost, "/relationships", map[string]any{
		"source_chunk_id": a.LeafChunkIDs[0], "target_chunk_id": b.LeafChunkIDs[0], "kind": "cites",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add relationship = %d, body = %s", w.Code, w.Body.String())
	}
	rel := decode[map[string]any](t, w)
	if rel["strength"] != 1.0 {
		t.Errorf("default strength = %v", rel["strength"])
	}

	w = e.do(t, http.MethodGet, "/chunks/"+a.LeafChunkIDs[0]+"/related?direction=outgoing", nil)
	related := decode[map[string][]retrieval.RelatedChunk](t, w)["related"]
	if len(related) != 1 || related[0].ChunkID != b.LeafChunkIDs[0] {
		t.Errorf("related = %+v", related)
	}

	w = e.do(t, http.MethodGet, "/chunks/"+a.LeafChunkIDs[0]+"?related=true", nil)
	if view := decode[retrieval.ChunkView](t, w); len(view.Breadcrumb.Related) != 1 {
		t.Errorf("breadcrumb related = %+v", view.Breadcrumb.Related)
	}

	if w = e.do(t, http.MethodGet, "/chunks/"+a.LeafChunkIDs[0]+"/related?kinds=likes", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", w.Code)
	}
	w = e.do(t, http.MethodPost, "/relationships", map[string]any{
		"source_chunk_id": a.LeafChunkIDs[0], "target_chunk_id": "ghost", "kind": "cites",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("dangling = %d, want 422", w.Code)
	}

	if w = e.do(t, http.MethodDelete, "/relationships/"+rel["id"].(string), nil); w.Code != http.StatusNoContent {
		t.Errorf("delete relationship = %d", w.Code)
	}

	w = e.do(t, http.MethodDelete, "/chunks/"+a.LeafChunkIDs[1], nil)
	if del := decode[DeleteChunkResponse](t, w); len(del.Deleted) != 3 {
		t.Errorf("deleted = %v, want leaf plus two summaries", del.Deleted)
	}
	if w = e.do(t, http.MethodDelete, "/chunks/"+a.LeafChunkIDs[1], nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestReembedResummarizeAndJobs(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ingestIndexed(t, scenario)

	w := e.do(t, http.MethodPost, "/messages/"+r.MessageID+"/reembed", nil)
	if got := decode[ReembedResponse](t, w); got.Embedded != 5 {
		t.Errorf("reembedded = %d, want 5", got.Embedded)
	}

	w = e.do(t, http.MethodPost, "/messages/"+r.MessageID+"/resummarize", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("resummarize = %d, body = %s", w.Code, w.Body.String())
	}
	job := decode[ingest.Job](t, w)

	w = e.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	if got := decode[ingest.Job](t, w); got.State != ingest.JobDone {
		t.Errorf("job = %+v", got)
	}
	if w = e.do(t, http.MethodGet, "/jobs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", w.Code)
	}

	w = e.do(t, http.MethodPost, "/messages/"+r.MessageID+"/retry", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("retry linked = %d", w.Code)
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func upload(t *testing.T, e *testEnv, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestMediaEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ingestIndexed(t, scenario)

	w := upload(t, e, map[string]string{"collection_id": "c1", "message_id": r.MessageID}, "photo", pngHeader)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	m := decode[map[string]any](t, w)
	if m["mime_type"] != "image/png" {
		t.Errorf("mime = %v", m["mime_type"])
	}
	id := m["id"].(string)

	w = e.do(t, http.MethodGet, "/media/"+id+"/content", nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), pngHeader) {
		t.Errorf("content = %d %q", w.Code, w.Body.Bytes())
	}

	w = e.do(t, http.MethodGet, "/chunks/"+r.LeafChunkIDs[0], nil)
	if view := decode[retrieval.ChunkView](t, w); len(view.Breadcrumb.Media) != 1 {
		t.Errorf("breadcrumb media = %+v", view.Breadcrumb.Media)
	}

	w = upload(t, e, map[string]string{"collection_id": "c1", "generated_chunk_ids": "ghost"}, "scan.txt", []byte("ocr"))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("dangling generated chunk = %d, want 422", w.Code)
	}
	if w = upload(t, e, map[string]string{"collection_id": "c1"}, "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing file = %d, want 400", w.Code)
	}

	if w = e.do(t, http.MethodDelete, "/media/"+id, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w = e.do(t, http.MethodGet, "/media/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", w.Code)
	}
}

func TestStats(t *testing.T) {
	e := newTestEnv(t, nil)
	e.ingestIndexed(t, scenario)

	w := e.do(t, http.MethodGet, "/stats", nil)
	s := decode[StatsResponse](t, w)
	if s.Messages != 1 || s.Chunks != 5 || s.Embedded != 5 {
		t.Errorf("stats = %+v", s.Stats)
	}
	if s.Vectors != 5 || s.Lag.Pending != 0 || s.VectorModel == "" {
		t.Errorf("vector stats = %d %+v %q", s.Vectors, s.Lag, s.VectorModel)
	}
}

func TestEventsMounted(t *testing.T) {
	sse := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	})
	e := newTestEnv(t, sse)
	w := e.do(t, http.MethodGet, "/events", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("events = %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	e = newTestEnv(t, nil)
	if w = e.do(t, http.MethodGet, "/events", nil); w.Code != http.StatusNotFound {
		t.Errorf("events without broker = %d, want 404", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", apperr.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", apperr.ErrInvalid), http.StatusBadRequest},
		{apperr.ErrConflict, http.StatusConflict},
		{&apperr.EmbeddingModelMismatch{QueryModel: "a", StoredModel: "b"}, http.StatusConflict},
		{&apperr.SplitError{Reason: "empty"}, http.StatusUnprocessableEntity},
		{&apperr.DanglingReferenceError{To: "x"}, http.StatusUnprocessableEntity},
		{&apperr.ExternalClientError{Op: "embed", Attempts: 3, Err: errors.New("503")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
