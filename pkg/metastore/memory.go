package metastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/paulschiretz/pgl-vault/pkg/sharded"
)

const memoryShards = 32

type memoryEntry struct {
	path     string
	modTime  int64
	checksum string
}

// MemoryStore keeps all metadata in process memory. It backs tests and
// throwaway runs.
type MemoryStore struct {
	now       func() time.Time
	algorithm string

	checksums *sharded.Map[string]
	archive   *sharded.Map[Location]

	mu      sync.Mutex
	runs    *btree.Map[string, *Run]
	entries map[string][]memoryEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts Options) *MemoryStore {
	return &MemoryStore{
		now:       clock(opts),
		algorithm: opts.Algorithm,
		checksums: sharded.NewMap[string](memoryShards),
		archive:   sharded.NewMap[Location](memoryShards),
		runs:      btree.NewMap[string, *Run](0),
		entries:   make(map[string][]memoryEntry),
	}
}

func (m *MemoryStore) OpenBackupRun(ctx context.Context) (string, error) {
	started := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := 1; ; n++ {
		name := runNameCandidate(started, n)
		if _, exists := m.runs.Get(name); exists {
			continue
		}
		m.runs.Set(name, &Run{
			Name:      name,
			UUID:      uuid.Must(uuid.NewV7()).String(),
			StartedAt: started.UTC(),
		})
		return name, nil
	}
}

func (m *MemoryStore) CompleteBackupRun(ctx context.Context, run string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs.Get(run)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = m.now().UTC()
	}
	return nil
}

func (m *MemoryStore) LookupChecksum(ctx context.Context, id Identity) (string, bool, error) {
	checksum, ok := m.checksums.Load(id.String())
	return checksum, ok, nil
}

func (m *MemoryStore) RememberChecksum(ctx context.Context, id Identity, checksum string) error {
	m.checksums.Store(id.String(), checksum)
	return nil
}

func (m *MemoryStore) LookupArchiveDir(ctx context.Context, checksum string) (Location, bool, error) {
	loc, ok := m.archive.Load(checksum)
	return loc, ok, nil
}

func (m *MemoryStore) RememberArchiveDir(ctx context.Context, checksum string, loc Location) error {
	m.archive.LoadOrStore(checksum, loc)
	return nil
}

func (m *MemoryStore) AddBackupEntry(ctx context.Context, run, path string, modTime int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs.Get(run); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	m.entries[run] = append(m.entries[run], memoryEntry{path: path, modTime: modTime, checksum: checksum})
	return nil
}

func (m *MemoryStore) ArchiveDirUsage(ctx context.Context) (map[string]int, error) {
	usage := make(map[string]int)
	m.archive.Range(func(_ string, loc Location) bool {
		usage[loc.Bucket]++
		return true
	})
	return usage, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]Run, 0, m.runs.Len())
	m.runs.Scan(func(name string, r *Run) bool {
		run := *r
		run.Entries = len(m.entries[name])
		runs = append(runs, run)
		return true
	})
	return runs, nil
}

// Algorithm returns the checksum algorithm the store was created for.
func (m *MemoryStore) Algorithm() string {
	return m.algorithm
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
