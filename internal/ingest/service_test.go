package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/hierarchy"
	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/llm"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/splitter"
	"github.com/starford/strata/internal/storage"
	"github.com/starford/strata/internal/testutil"
	"github.com/starford/strata/internal/workerpool"
)

const scenario = "The cat sat. It was warm. The sun set slowly."

type removals struct {
	mu  sync.Mutex
	ids []string
}

func (r *removals) Remove(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
}

func (r *removals) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type env struct {
	db      *index.DB
	svc     *Service
	removed *removals
	media   storage.Provider
	events  chan hierarchy.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.TestDB(t)
	testutil.SeedCollection(t, db, "c1", "u1")
	_, media := testutil.TestMediaStore(t)

	policy, err := splitter.PolicyFor("custom", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	external := workerpool.New(context.Background(), "external", 2, 8, nil)
	builds := workerpool.New(context.Background(), "ingest", 2, 8, nil)
	t.Cleanup(func() {
		builds.Close()
		external.Close()
	})

	e := &env{db: db, removed: &removals{}, media: media, events: make(chan hierarchy.Event, 128)}
	publish := func(ev hierarchy.Event) {
		select {
		case e.events <- ev:
		default:
		}
	}
	b, err := hierarchy.New(db, splitter.New(splitter.WordCounter{}, policy),
		llm.NewHashEmbedder(16, ""), llm.NewExtractiveSummarizer(2), external,
		hierarchy.WithEventHandler(publish))
	if err != nil {
		t.Fatal(err)
	}
	e.svc = NewService(db, b, builds,
		WithMedia(media), WithVectorRemover(e.removed), WithEventHandler(publish))
	return e
}

func (e *env) ingest(t *testing.T, req Request) *Receipt {
	t.Helper()
	r, err := e.svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return r
}

func (e *env) wait(t *testing.T, jobID string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j, err := e.svc.WaitJob(ctx, jobID)
	if err != nil {
		t.Fatalf("WaitJob: %v", err)
	}
	return j
}

func TestIngest_LeavesThenBackgroundBuild(t *testing.T) {
	e := newEnv(t)
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})

	if len(r.LeafChunkIDs) != 3 {
		t.Fatalf("leaf ids = %v, want 3", r.LeafChunkIDs)
	}
	if r.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", r.Sequence)
	}
	if j := e.wait(t, r.Job.ID); j.State != JobDone {
		t.Fatalf("job = %+v", j)
	}

	st, err := e.svc.Status(context.Background(), r.MessageID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != models.StatusComplete || st.State != models.StateLinked || st.SummaryChunkID == "" {
		t.Errorf("status = %+v", st)
	}
	if st.Job == nil || st.Job.ID != r.Job.ID {
		t.Errorf("status job = %+v", st.Job)
	}

	first := <-e.events
	if first.Status != models.StatusPending || first.MessageID != r.MessageID {
		t.Errorf("first event = %+v, want pending", first)
	}
}

func TestIngest_EmptyInputIsSplitError(t *testing.T) {
	e := newEnv(t)
	for _, text := range []string{"", "   \n\t"} {
		_, err := e.svc.Ingest(context.Background(), Request{CollectionID: "c1", Text: text})
		if !apperr.IsSplit(err) {
			t.Errorf("Ingest(%q) err = %v, want SplitError", text, err)
		}
	}
	_, total, err := e.db.ListMessages(context.Background(), "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("messages = %d, want none", total)
	}
}

func TestIngest_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.Ingest(ctx, Request{Text: "hi"}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("missing collection: err = %v", err)
	}
	if _, err := e.svc.Ingest(ctx, Request{CollectionID: "nope", Text: "hi"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown collection: err = %v", err)
	}
	neg := -1
	if _, err := e.svc.Ingest(ctx, Request{CollectionID: "c1", Text: "hi", Sequence: &neg}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("negative sequence: err = %v", err)
	}
}

func TestIngest_Sequences(t *testing.T) {
	e := newEnv(t)
	a := e.ingest(t, Request{CollectionID: "c1", Text: "First message."})
	b := e.ingest(t, Request{CollectionID: "c1", Text: "Second message."})
	if a.Sequence != 0 || b.Sequence != 1 {
		t.Errorf("sequences = %d, %d", a.Sequence, b.Sequence)
	}

	seq := 1
	_, err := e.svc.Ingest(context.Background(), Request{CollectionID: "c1", Text: "Clash.", Sequence: &seq})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("taken sequence: err = %v, want ErrConflict", err)
	}
	e.wait(t, a.Job.ID)
	e.wait(t, b.Job.ID)
}

func TestRetryLinkedIsNoop(t *testing.T) {
	e := newEnv(t)
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})
	e.wait(t, r.Job.ID)

	before, _ := e.db.ListChunks(context.Background(), r.MessageID)
	j, err := e.svc.Retry(context.Background(), r.MessageID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := e.wait(t, j.ID); got.State != JobDone {
		t.Errorf("retry job = %+v", got)
	}
	after, _ := e.db.ListChunks(context.Background(), r.MessageID)
	if len(before) != len(after) {
		t.Errorf("chunks %d -> %d", len(before), len(after))
	}
}

func TestRecover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	testutil.SeedMessage(t, e.db, "c1", "orphan", 5, scenario)

	n, err := e.svc.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	st, err := e.svc.Status(ctx, "orphan")
	if err != nil || st.Job == nil {
		t.Fatalf("Status = %+v, %v", st, err)
	}
	e.wait(t, st.Job.ID)

	msg, _ := e.db.GetMessage(ctx, "orphan")
	if msg.State != models.StateLinked {
		t.Errorf("state = %s", msg.State)
	}
}

func TestResummarize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})
	e.wait(t, r.Job.ID)

	j, err := e.svc.Resummarize(ctx, r.MessageID)
	if err != nil {
		t.Fatalf("Resummarize: %v", err)
	}
	if e.removed.count() != 2 {
		t.Errorf("vector removals = %d, want 2 summaries", e.removed.count())
	}
	e.wait(t, j.ID)

	tree, err := e.db.GetMessageTree(ctx, r.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Document == nil || len(tree.Sections) != 1 || len(tree.Leaves) != 3 {
		t.Errorf("tree after rebuild: doc=%v sections=%d leaves=%d", tree.Document != nil, len(tree.Sections), len(tree.Leaves))
	}
	for i, l := range tree.Leaves {
		if l.ID != r.LeafChunkIDs[i] {
			t.Errorf("leaf %d changed: %s != %s", i, l.ID, r.LeafChunkIDs[i])
		}
	}
}

func TestBackfillAndReembed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})
	e.wait(t, r.Job.ID)

	// The builder's embed feeder is not running, so nothing is embedded yet.
	n, err := e.svc.Backfill(ctx, 2)
	if err != nil || n != 5 {
		t.Fatalf("Backfill = %d, %v; want 5", n, err)
	}
	if n, _ := e.svc.Backfill(ctx, 2); n != 0 {
		t.Errorf("second Backfill = %d, want 0", n)
	}
	n, err = e.svc.Reembed(ctx, r.MessageID)
	if err != nil || n != 5 {
		t.Errorf("Reembed = %d, %v; want 5", n, err)
	}
}

func TestDeleteChunkCascadesToVectors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})
	e.wait(t, r.Job.ID)

	ids, err := e.svc.DeleteChunk(ctx, r.LeafChunkIDs[0])
	if err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("deleted = %v, want leaf plus two summaries", ids)
	}
	if e.removed.count() != 3 {
		t.Errorf("vector removals = %d", e.removed.count())
	}
	if _, err := e.svc.DeleteChunk(ctx, r.LeafChunkIDs[0]); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestRelationships(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})

	rel, err := e.svc.AddRelationship(ctx, RelationshipRequest{
		SourceChunkID: r.LeafChunkIDs[0], TargetChunkID: r.LeafChunkIDs[1], Kind: models.RelSupports,
	})
	if err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	if rel.Strength != 1 {
		t.Errorf("default strength = %v", rel.Strength)
	}

	_, err = e.svc.AddRelationship(ctx, RelationshipRequest{
		SourceChunkID: r.LeafChunkIDs[0], TargetChunkID: r.LeafChunkIDs[1], Kind: "likes",
	})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("bad kind err = %v", err)
	}
	_, err = e.svc.AddRelationship(ctx, RelationshipRequest{
		SourceChunkID: r.LeafChunkIDs[0], TargetChunkID: "missing", Kind: models.RelCites,
	})
	if !apperr.IsDangling(err) {
		t.Errorf("missing target err = %v, want DanglingReferenceError", err)
	}
	e.wait(t, r.Job.ID)
}

func TestMediaDedupeAndRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})
	e.wait(t, r.Job.ID)

	data := []byte("\x89PNG fake image bytes")
	a, err := e.svc.AttachMedia(ctx, MediaUpload{CollectionID: "c1", MessageID: r.MessageID, Filename: "cat.png", Data: data})
	if err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	b, err := e.svc.AttachMedia(ctx, MediaUpload{CollectionID: "c1", Filename: "copy.png", Data: data})
	if err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	if a.BlobPath != b.BlobPath || a.Checksum != b.Checksum {
		t.Fatalf("identical content stored twice: %s vs %s", a.BlobPath, b.BlobPath)
	}
	if a.MimeType != "image/png" {
		t.Errorf("mime = %q", a.MimeType)
	}

	_, got, err := e.svc.ReadMedia(ctx, a.ID)
	if err != nil || string(got) != string(data) {
		t.Fatalf("ReadMedia = %q, %v", got, err)
	}

	if err := e.svc.DeleteMedia(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if !e.media.Exists(b.BlobPath) {
		t.Fatal("shared blob removed while still referenced")
	}
	if err := e.svc.DeleteMedia(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if e.media.Exists(b.BlobPath) {
		t.Error("blob kept after last reference went away")
	}

	_, err = e.svc.AttachMedia(ctx, MediaUpload{CollectionID: "c1", Filename: "x.bin", Data: data, GeneratedChunkIDs: []string{"ghost"}})
	if !apperr.IsDangling(err) {
		t.Errorf("dangling generated chunk err = %v", err)
	}
}

func TestDeleteCollection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.ingest(t, Request{CollectionID: "c1", Text: scenario})
	e.wait(t, r.Job.ID)
	m, err := e.svc.AttachMedia(ctx, MediaUpload{CollectionID: "c1", MessageID: r.MessageID, Filename: "a.txt", Data: []byte("attachment")})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.svc.DeleteCollection(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if e.removed.count() != 5 {
		t.Errorf("vector removals = %d, want 5", e.removed.count())
	}
	if e.media.Exists(m.BlobPath) {
		t.Error("blob survived collection delete")
	}
	if _, err := e.db.GetMessage(ctx, r.MessageID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("message survived: %v", err)
	}
}

func TestCreateCollection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := &models.Collection{Title: "Notes"}
	if err := e.svc.CreateCollection(ctx, c); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if c.ID == "" || c.Type != models.CollectionConversation {
		t.Errorf("defaults not applied: %+v", c)
	}
	if err := e.svc.CreateCollection(ctx, &models.Collection{Type: "diary"}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("bad type err = %v", err)
	}
	if err := e.svc.EnsureCollection(ctx, &models.Collection{ID: c.ID}); err != nil {
		t.Errorf("EnsureCollection on existing: %v", err)
	}
}
