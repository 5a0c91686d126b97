package pathdedup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/paulschiretz/pgl-vault/pkg/codec"
)

const (
	// IndexSuffix is the extension of a committed run index.
	IndexSuffix = ".lst"
	// ErrorChecksum is written in place of a checksum for files that failed.
	ErrorChecksum = "error"
)

var errIndexClosed = errors.New("run index is already closed")

// IndexWriter appends one line per processed file to a run's index. Lines
// are written to "<run>.lst.part" and the file only gets its final name on
// Commit. It is safe for concurrent use.
type IndexWriter struct {
	mu     sync.Mutex
	w      codec.TextWriter
	tmp    string
	final  string
	closed bool
}

// CreateIndex opens the index for run inside dir, which must exist.
func CreateIndex(c *codec.Codec, dir, run string) (*IndexWriter, error) {
	final := filepath.Join(dir, run+IndexSuffix)
	tmp := final + PartSuffix
	w, err := c.CreateText(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create run index: %w", err)
	}
	return &IndexWriter{w: w, tmp: tmp, final: final}, nil
}

// Path returns the final path of the index.
func (iw *IndexWriter) Path() string {
	return iw.final
}

// AddEntry appends "<checksum>\t<mtime ns>\t<path>".
func (iw *IndexWriter) AddEntry(checksum string, modTime int64, path string) error {
	if strings.ContainsAny(path, "\t\r\n") {
		path = strconv.Quote(path)
	}
	line := checksum + "\t" + strconv.FormatInt(modTime, 10) + "\t" + path + "\n"

	iw.mu.Lock()
	defer iw.mu.Unlock()
	if iw.closed {
		return errIndexClosed
	}
	if _, err := iw.w.WriteString(line); err != nil {
		return fmt.Errorf("failed to write index entry for %s: %w", path, err)
	}
	return nil
}

// AddError appends the error record for path.
func (iw *IndexWriter) AddError(path string) error {
	return iw.AddEntry(ErrorChecksum, 0, path)
}

// Commit closes the stream and atomically renames it to its final name.
func (iw *IndexWriter) Commit() error {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if iw.closed {
		return errIndexClosed
	}
	iw.closed = true

	if err := iw.w.Close(); err != nil {
		os.Remove(iw.tmp)
		return fmt.Errorf("failed to close run index: %w", err)
	}
	if err := os.Rename(iw.tmp, iw.final); err != nil {
		os.Remove(iw.tmp)
		return fmt.Errorf("failed to commit run index: %w", err)
	}
	return nil
}

// Abort closes the stream and deletes it. It is a no-op after Commit.
func (iw *IndexWriter) Abort() error {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if iw.closed {
		return nil
	}
	iw.closed = true

	closeErr := iw.w.Close()
	if err := os.Remove(iw.tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove aborted run index: %w", err)
	}
	return closeErr
}
