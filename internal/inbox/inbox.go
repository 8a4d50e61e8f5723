// Package inbox watches a drop folder and ingests every plain-text file
// written to it as one message. Files are identified by path and content
// digest: rewriting a file ingests a new message, deleting one changes
// nothing.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/checksum"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/storage"
)

// Extensions lists the file types picked up from the inbox.
var Extensions = []string{".txt", ".md"}

const defaultSettle = 200 * time.Millisecond

// Ingester stores a message.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Receipt, error)
}

// SourceLookup finds a message previously ingested from a source ref.
type SourceLookup interface {
	MessageBySourceRef(ctx context.Context, collectionID, ref string) (*models.Message, error)
}

// Watcher ingests files from a drop folder into one collection.
type Watcher struct {
	store      *storage.FS
	lookup     SourceLookup
	ingester   Ingester
	collection string
	logger     *slog.Logger
	settle     time.Duration
	onIngested func(path string, r *ingest.Receipt)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithSettle sets how long a file must stay unchanged before it is read.
func WithSettle(d time.Duration) Option { return func(w *Watcher) { w.settle = d } }

// WithIngestHandler is called after each file becomes a message.
func WithIngestHandler(fn func(path string, r *ingest.Receipt)) Option {
	return func(w *Watcher) { w.onIngested = fn }
}

// New creates a Watcher over store's root.
func New(store *storage.FS, lookup SourceLookup, ingester Ingester, collection string, opts ...Option) *Watcher {
	w := &Watcher{
		store:      store,
		lookup:     lookup,
		ingester:   ingester,
		collection: collection,
		logger:     slog.Default(),
		settle:     defaultSettle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SourceRef is the source reference recorded for a file's content.
func SourceRef(path, sum string) string {
	return "inbox:" + filepath.ToSlash(path) + "@" + sum
}

func eligible(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Scan ingests every eligible file not ingested before and returns how
// many messages it created.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	files, err := w.store.List("", Extensions...)
	if err != nil {
		return 0, fmt.Errorf("inbox: scan: %w", err)
	}
	n := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !eligible(f.Path) {
			continue
		}
		ok, err := w.ingestFile(ctx, f.Path)
		if err != nil {
			w.logger.Warn("inbox: ingest failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ingestFile ingests path unless its current content was ingested already.
func (w *Watcher) ingestFile(ctx context.Context, path string) (bool, error) {
	data, err := w.store.Read(path)
	if err != nil {
		return false, err
	}
	sum := checksum.Sum(data)
	text := string(data)
	source := models.SourceFile{Path: filepath.ToSlash(path), Checksum: sum}
	if strings.EqualFold(filepath.Ext(path), ".md") {
		doc := parseDocument(data)
		text, source.Title, source.Tags = doc.Body, doc.Title, doc.Tags
	}
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	ref := SourceRef(path, sum)
	if _, err := w.lookup.MessageBySourceRef(ctx, w.collection, ref); err == nil {
		return false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return false, err
	}

	receipt, err := w.ingester.Ingest(ctx, ingest.Request{
		CollectionID: w.collection,
		Role:         "document",
		Text:         text,
		SourceRef:    ref,
		Metadata:     models.SourceMetadata(source),
	})
	if err != nil {
		return false, err
	}
	w.logger.Info("inbox: file ingested",
		slog.String("path", path),
		slog.String("message_id", receipt.MessageID),
		slog.Int("leaves", len(receipt.LeafChunkIDs)))
	if w.onIngested != nil {
		w.onIngested(path, receipt)
	}
	return true, nil
}

// Run scans the inbox once, then watches it until ctx is cancelled. New
// subdirectories are watched as they appear. A file is read once it has
// been quiet for the settle interval so partial writes are not ingested.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: watcher: %w", err)
	}
	defer fw.Close()

	root := w.store.Root()
	if err := addDirsRecursive(fw, root); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", root, err)
	}
	w.logger.Info("inbox: started", slog.String("root", root), slog.String("collection", w.collection))

	if n, err := w.Scan(ctx); err != nil {
		w.logger.Warn("inbox: initial scan failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Info("inbox: initial scan", slog.Int("ingested", n))
	}

	// pending maps a file to the time of its last event.
	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.settle / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox: stopped")
			return nil

		case now := <-tick.C:
			for rel, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, rel)
				if _, err := w.ingestFile(ctx, rel); err != nil && ctx.Err() == nil {
					w.logger.Warn("inbox: ingest failed", slog.String("path", rel), slog.String("error", err.Error()))
				}
			}

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(fw, ev.Name); addErr != nil {
						w.logger.Warn("inbox: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					w.queueDir(ev.Name, pending)
					continue
				}
			}
			// Removals and renames away are ignored; ingested content stays.
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !eligible(ev.Name) {
				continue
			}
			rel, relErr := w.store.Rel(ev.Name)
			if relErr != nil {
				continue
			}
			pending[rel] = time.Now()

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// queueDir schedules files that were already in a newly created directory.
func (w *Watcher) queueDir(dir string, pending map[string]time.Time) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !eligible(path) {
			return nil
		}
		if rel, relErr := w.store.Rel(path); relErr == nil {
			pending[rel] = time.Now()
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
