package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/strata/internal/checksum"
)

func tempStore(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempStore(t)
	content := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	if err := s.Write("image.png", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("image.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
	if !s.Exists("image.png") {
		t.Error("Exists = false after write")
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempStore(t)
	sum := checksum.Sum([]byte("deep"))
	p := BlobPath(sum, ".bin")
	if err := s.Write(p, []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Dir(p) != sum[:2] {
		t.Errorf("blob path %q not sharded by digest prefix", p)
	}
	got, err := s.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("del.bin", []byte("bye"))
	if err := s.Delete("del.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.bin"); err == nil {
		t.Error("expected error reading deleted file")
	}
	if s.Exists("del.bin") {
		t.Error("Exists = true after delete")
	}
}

func TestList(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.txt", []byte("b"))
	_ = s.Write("photo.jpg", []byte("not text"))

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}

	text, err := s.List("", ".md", ".TXT")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(text) != 2 {
		t.Errorf("len = %d, want 2", len(text))
	}
	for _, item := range text {
		if item.Checksum == "" || item.Size == 0 {
			t.Errorf("missing metadata: %+v", item)
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempStore(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.bin",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
		if s.Exists(p) {
			t.Errorf("Exists(%q) = true", p)
		}
	}
}

func TestAtomicWriteNoCorruption(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("atomic.bin", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.bin", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.bin")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestRel(t *testing.T) {
	s := tempStore(t)
	rel, err := s.Rel(filepath.Join(s.Root(), "x", "y.txt"))
	if err != nil || rel != filepath.Join("x", "y.txt") {
		t.Errorf("Rel = %q, %v", rel, err)
	}
	if _, err := s.Rel("/somewhere/else"); err == nil {
		t.Error("expected error for path outside root")
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/strata-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "strata-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
