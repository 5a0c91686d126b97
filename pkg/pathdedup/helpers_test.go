package pathdedup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulschiretz/pgl-vault/pkg/codec"
	"github.com/paulschiretz/pgl-vault/pkg/metastore"
)

// createFile creates a file with the given content, creating parent directories as needed.
func createFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create file %s: %v", path, err)
	}
}

// countingStore wraps a Store and counts the calls the dedup invariants care about.
type countingStore struct {
	metastore.Store
	entries       atomic.Int64
	registrations atomic.Int64
}

func (s *countingStore) AddBackupEntry(ctx context.Context, run, path string, modTime int64, checksum string) error {
	s.entries.Add(1)
	return s.Store.AddBackupEntry(ctx, run, path, modTime, checksum)
}

func (s *countingStore) RememberArchiveDir(ctx context.Context, checksum string, loc metastore.Location) error {
	s.registrations.Add(1)
	return s.Store.RememberArchiveDir(ctx, checksum, loc)
}

// countingCopier counts copies and can fail chosen sources.
type countingCopier struct {
	next   contentCopier
	copies atomic.Int64
	mu     sync.Mutex
	failOn map[string]error
}

func (c *countingCopier) Copy(src, checksum, dst string, compressed bool) error {
	c.copies.Add(1)
	c.mu.Lock()
	err := c.failOn[filepath.Base(src)]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.next.Copy(src, checksum, dst, compressed)
}

type testVault struct {
	root   string
	src    string
	store  *countingStore
	codec  *codec.Codec
	engine *Engine
	copier *countingCopier
}

func newTestVault(t *testing.T, opts Options) *testVault {
	t.Helper()
	base := t.TempDir()
	v := &testVault{
		root:  filepath.Join(base, "vault"),
		src:   filepath.Join(base, "src"),
		store: &countingStore{Store: metastore.NewMemory(metastore.Options{})},
	}
	if err := os.MkdirAll(v.src, 0755); err != nil {
		t.Fatal(err)
	}
	c, err := codec.New(codec.Options{})
	if err != nil {
		t.Fatal(err)
	}
	v.codec = c
	if opts.Includes == nil {
		opts.Includes = []string{v.src}
	}
	v.engine = v.newEngine(opts)
	return v
}

// newEngine builds an engine over the vault's store with a counting copier.
func (v *testVault) newEngine(opts Options) *Engine {
	opts.ArchiveRoot = v.root
	e := New(opts, v.store, v.codec)
	v.copier = &countingCopier{next: e.copier, failOn: make(map[string]error)}
	e.copier = v.copier
	return e
}

// archivedObjects lists object paths relative to the archive root, skipping run indexes.
func archivedObjects(t *testing.T, root string) []string {
	t.Helper()
	var objects []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, IndexSuffix) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		objects = append(objects, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to walk archive: %v", err)
	}
	return objects
}

// readIndex returns the lines of a committed run index.
func readIndex(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read index %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func runCompleted(t *testing.T, s metastore.Store, name string) bool {
	t.Helper()
	runs, err := s.ListRuns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if r.Name == name {
			return r.Completed()
		}
	}
	t.Fatalf("run %s not found", name)
	return false
}
