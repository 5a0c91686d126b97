package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// openStores returns one store per driver, sharing the same options.
func openStores(t *testing.T, opts Options) map[string]Store {
	t.Helper()
	sqliteOpts := opts
	sqliteOpts.Driver = SQLite
	sqliteOpts.Path = filepath.Join(t.TempDir(), "vault.db")
	sq, err := Open(context.Background(), sqliteOpts)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	memOpts := opts
	memOpts.Driver = Memory
	mem, err := Open(context.Background(), memOpts)
	if err != nil {
		t.Fatalf("failed to open memory store: %v", err)
	}
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

	for name, s := range openStores(t, Options{Now: fixedClock(now)}) {
		t.Run(name, func(t *testing.T) {
			first, err := s.OpenBackupRun(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if first != "20261019T083000Z" {
				t.Errorf("first run name = %q, want 20261019T083000Z", first)
			}
			second, err := s.OpenBackupRun(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if second != "20261019T083000Z-2" {
				t.Errorf("colliding run name = %q, want 20261019T083000Z-2", second)
			}

			if err := s.AddBackupEntry(ctx, first, "/data/a.txt", 1, "abc"); err != nil {
				t.Fatal(err)
			}
			if err := s.CompleteBackupRun(ctx, first); err != nil {
				t.Fatal(err)
			}
			if err := s.CompleteBackupRun(ctx, "nope"); !errors.Is(err, ErrUnknownRun) {
				t.Errorf("expected ErrUnknownRun, got %v", err)
			}

			runs, err := s.ListRuns(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != 2 {
				t.Fatalf("ListRuns returned %d runs, want 2", len(runs))
			}
			if !runs[0].Completed() || runs[0].Entries != 1 {
				t.Errorf("first run = %+v, want completed with 1 entry", runs[0])
			}
			if runs[1].Completed() {
				t.Errorf("second run should still be in progress: %+v", runs[1])
			}
			if runs[0].UUID == "" || runs[0].UUID == runs[1].UUID {
				t.Errorf("runs should carry distinct UUIDs: %q %q", runs[0].UUID, runs[1].UUID)
			}
		})
	}
}

func TestChecksumCache(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			id := Identity{Device: 2049, Inode: 1 << 40, ModTime: 1700000000123456789}

			if _, ok, err := s.LookupChecksum(ctx, id); err != nil || ok {
				t.Fatalf("LookupChecksum on empty store = %v, %v", ok, err)
			}
			if err := s.RememberChecksum(ctx, id, "abc"); err != nil {
				t.Fatal(err)
			}
			got, ok, err := s.LookupChecksum(ctx, id)
			if err != nil || !ok || got != "abc" {
				t.Errorf("LookupChecksum = %q, %v, %v; want abc, true", got, ok, err)
			}

			touched := id
			touched.ModTime++
			if _, ok, _ := s.LookupChecksum(ctx, touched); ok {
				t.Error("a different mtime must not hit the cache")
			}
		})
	}
}

func TestArchiveLocationsAreWrittenOnce(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			if err := s.RememberArchiveDir(ctx, "abc", Location{Bucket: "00/00", Compressed: true}); err != nil {
				t.Fatal(err)
			}
			if err := s.RememberArchiveDir(ctx, "abc", Location{Bucket: "42/17"}); err != nil {
				t.Fatal(err)
			}
			if err := s.RememberArchiveDir(ctx, "def", Location{Bucket: "00/00"}); err != nil {
				t.Fatal(err)
			}

			loc, ok, err := s.LookupArchiveDir(ctx, "abc")
			if err != nil || !ok {
				t.Fatalf("LookupArchiveDir = %v, %v", ok, err)
			}
			if loc.Bucket != "00/00" || !loc.Compressed {
				t.Errorf("location was overwritten: %+v", loc)
			}
			if p := loc.Path("abc"); p != "00/00/abc.z" {
				t.Errorf("Path = %q, want 00/00/abc.z", p)
			}

			usage, err := s.ArchiveDirUsage(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if usage["00/00"] != 2 || len(usage) != 1 {
				t.Errorf("usage = %v, want map[00/00:2]", usage)
			}
		})
	}
}

func TestConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			run, err := s.OpenBackupRun(ctx)
			if err != nil {
				t.Fatal(err)
			}
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := Identity{Device: 1, Inode: uint64(i), ModTime: 1}
					if err := s.RememberChecksum(ctx, id, "sum"); err != nil {
						t.Error(err)
					}
					if err := s.AddBackupEntry(ctx, run, "/f", 1, "sum"); err != nil {
						t.Error(err)
					}
				}(i)
			}
			wg.Wait()

			runs, _ := s.ListRuns(ctx)
			if len(runs) != 1 || runs[0].Entries != 20 {
				t.Errorf("runs = %+v, want one run with 20 entries", runs)
			}
		})
	}
}

func TestSQLiteAlgorithmIsPinned(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	s, err := OpenSQLite(ctx, Options{Path: path, Algorithm: "sha256"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, Options{Path: path, Algorithm: "sha256"})
	if err != nil {
		t.Fatalf("reopening with the same algorithm failed: %v", err)
	}
	s.Close()

	if _, err := OpenSQLite(ctx, Options{Path: path, Algorithm: "blake3"}); !errors.Is(err, ErrChecksumAlgorithmMismatch) {
		t.Errorf("expected ErrChecksumAlgorithmMismatch, got %v", err)
	}
}

func TestParseDriver(t *testing.T) {
	if d, err := ParseDriver(""); err != nil || d != SQLite {
		t.Errorf("ParseDriver(\"\") = %v, %v; want sqlite", d, err)
	}
	if d, err := ParseDriver("Memory"); err != nil || d != Memory {
		t.Errorf("ParseDriver(Memory) = %v, %v; want memory", d, err)
	}
	if _, err := ParseDriver("postgres"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
