package pathdedup

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/paulschiretz/pgl-vault/pkg/codec"
)

func newTestIndex(t *testing.T) (*IndexWriter, *codec.Codec, string) {
	t.Helper()
	c, err := codec.New(codec.Options{})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	iw, err := CreateIndex(c, dir, "20260101T000000Z")
	if err != nil {
		t.Fatal(err)
	}
	return iw, c, dir
}

func TestIndexWriter(t *testing.T) {
	t.Run("Commit Publishes Lines", func(t *testing.T) {
		iw, _, _ := newTestIndex(t)
		if err := iw.AddEntry(helloSHA256, 42, "/src/a.txt"); err != nil {
			t.Fatal(err)
		}
		if err := iw.AddError("/src/b.txt"); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(iw.Path()); !os.IsNotExist(err) {
			t.Fatal("index visible under its final name before commit")
		}
		if err := iw.Commit(); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		lines := readIndex(t, iw.Path())
		want := []string{helloSHA256 + "\t42\t/src/a.txt", "error\t0\t/src/b.txt"}
		if len(lines) != len(want) || lines[0] != want[0] || lines[1] != want[1] {
			t.Errorf("index lines = %q, want %q", lines, want)
		}
		if err := iw.AddEntry(helloSHA256, 1, "/late"); err == nil {
			t.Error("expected an error writing to a committed index")
		}
		if err := iw.Abort(); err != nil {
			t.Errorf("Abort after Commit should be a no-op, got %v", err)
		}
		if _, err := os.Stat(iw.Path()); err != nil {
			t.Errorf("Abort after Commit removed the index: %v", err)
		}
	})

	t.Run("Abort Removes Partial File", func(t *testing.T) {
		iw, _, dir := newTestIndex(t)
		if err := iw.AddEntry(helloSHA256, 1, "/x"); err != nil {
			t.Fatal(err)
		}
		if err := iw.Abort(); err != nil {
			t.Fatalf("Abort failed: %v", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("directory not empty after abort: %v", entries)
		}
	})

	t.Run("Quotes Awkward Paths", func(t *testing.T) {
		iw, _, _ := newTestIndex(t)
		awkward := "/src/tab\there"
		if err := iw.AddEntry(helloSHA256, 7, awkward); err != nil {
			t.Fatal(err)
		}
		if err := iw.Commit(); err != nil {
			t.Fatal(err)
		}
		lines := readIndex(t, iw.Path())
		want := helloSHA256 + "\t7\t" + strconv.Quote(awkward)
		if len(lines) != 1 || lines[0] != want {
			t.Errorf("index lines = %q, want %q", lines, want)
		}
	})

	t.Run("Concurrent Writers Never Interleave", func(t *testing.T) {
		iw, _, _ := newTestIndex(t)
		const n = 200
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := iw.AddEntry(helloSHA256, int64(i), fmt.Sprintf("/src/file%03d", i)); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()
		if err := iw.Commit(); err != nil {
			t.Fatal(err)
		}

		lines := readIndex(t, iw.Path())
		if len(lines) != n {
			t.Fatalf("index has %d lines, want %d", len(lines), n)
		}
		sort.Strings(lines)
		for i, line := range lines {
			want := fmt.Sprintf("%s\t%d\t/src/file%03d", helloSHA256, i, i)
			if line != want {
				t.Fatalf("line %d = %q, want %q", i, line, want)
			}
		}
	})
}
