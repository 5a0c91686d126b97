package pathdedup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-vault/pkg/keylock"
	"github.com/paulschiretz/pgl-vault/pkg/metastore"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// processFile runs the per-file pipeline for path and always returns an
// outcome. Failures, including panics, become Failed plus an error line in
// the index.
func (e *Engine) processFile(ctx context.Context, run *runState, path string) (outcome Outcome) {
	normPath := util.NormalizePath(path)
	defer func() {
		if r := recover(); r != nil {
			outcome = e.fail(run, normPath, fmt.Errorf("unexpected panic: %v", r))
		}
	}()
	e.metrics.AddFilesProcessed(1)

	outcome, checksum, modTime, err := e.archiveFile(ctx, run, path, normPath)
	if err != nil {
		return e.fail(run, normPath, err)
	}
	if err := run.index.AddEntry(checksum, modTime, normPath); err != nil {
		return e.fail(run, normPath, err)
	}
	return outcome
}

func (e *Engine) archiveFile(ctx context.Context, run *runState, path, normPath string) (Outcome, string, int64, error) {
	st, err := statFile(path)
	if err != nil {
		return Failed, "", 0, err
	}

	outcome := Unchanged
	var checksum string
	err = e.locks.Do(keylock.KeyOf(st.id.Device, st.id.Inode, st.id.ModTime), func() error {
		cached, ok, err := e.store.LookupChecksum(ctx, st.id)
		if err != nil {
			return err
		}
		if ok {
			checksum = cached
			return nil
		}

		bufPtr := e.buffers.Get()
		sum, n, err := hashFile(e.opts.Algorithm, path, *bufPtr)
		e.buffers.Put(bufPtr)
		if err != nil {
			return err
		}
		e.metrics.AddFilesHashed(1)
		e.metrics.AddBytesHashed(n)

		if err := e.store.RememberChecksum(ctx, st.id, sum); err != nil {
			return err
		}
		checksum = sum
		outcome = Checksummed
		return nil
	})
	if err != nil {
		return Failed, "", 0, err
	}

	if err := e.store.AddBackupEntry(ctx, run.name, normPath, st.id.ModTime, checksum); err != nil {
		return Failed, "", 0, err
	}

	err = e.locks.Do(keylock.KeyOf(checksum), func() error {
		_, archived, err := e.store.LookupArchiveDir(ctx, checksum)
		if err != nil || archived {
			return err
		}

		unlock := e.locks.Lock(keylock.Global)
		bucket := run.alloc.Next()
		unlock()

		loc := metastore.Location{Bucket: bucket, Compressed: e.shouldCompress(path, st.size)}
		dst := filepath.Join(e.opts.ArchiveRoot, filepath.FromSlash(loc.Path(checksum)))
		if err := e.ensureDir(filepath.Dir(dst)); err != nil {
			return err
		}
		if err := e.copier.Copy(path, checksum, dst, loc.Compressed); err != nil {
			return err
		}
		if e.opts.VerifyNew {
			if err := VerifyObject(e.codec, e.opts.Algorithm, e.opts.ArchiveRoot, loc, checksum); err != nil {
				return err
			}
		}
		if err := e.store.RememberArchiveDir(ctx, checksum, loc); err != nil {
			return err
		}

		plog.Debug("Archived new content", "path", normPath, "object", loc.Path(checksum))
		if loc.Compressed {
			outcome = StoredCompressed
		} else {
			outcome = StoredUncompressed
		}
		return nil
	})
	if err != nil {
		return Failed, "", 0, err
	}
	return outcome, checksum, st.id.ModTime, nil
}

// shouldCompress applies the size threshold and the already-compressed
// extension list.
func (e *Engine) shouldCompress(path string, size int64) bool {
	if size < e.opts.MinCompressSize {
		return false
	}
	_, skip := e.uncompressed[strings.ToLower(filepath.Ext(path))]
	return !skip
}

func (e *Engine) fail(run *runState, normPath string, err error) Outcome {
	if idxErr := run.index.AddError(normPath); idxErr != nil {
		plog.Warn("Failed to record error entry in run index", "path", normPath, "error", idxErr)
	}
	logPathError("Failed to back up file", normPath, err)
	return Failed
}

// logPathError logs err, adding the path attribute only when the error text
// does not already name it.
func logPathError(msg, path string, err error) {
	text := err.Error()
	if strings.Contains(text, path) || strings.Contains(text, filepath.FromSlash(path)) {
		plog.Warn(msg, "error", err)
		return
	}
	plog.Warn(msg, "path", path, "error", err)
}
