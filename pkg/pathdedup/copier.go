package pathdedup

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-vault/pkg/codec"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/pool"
)

// PartSuffix marks a file that is still being written.
const PartSuffix = ".part"

// ErrContentMismatch is returned when a file's bytes no longer hash to the
// checksum it was archived under, i.e. it changed during the run.
var ErrContentMismatch = errors.New("content changed while copying")

// contentCopier stores one source file at one archive path.
type contentCopier interface {
	Copy(src, checksum, dst string, compressed bool) error
}

// Copier streams a source file into the archive through the codec. The
// destination's parent directory must exist.
type Copier struct {
	codec     *codec.Codec
	algorithm Algorithm
	buffers   *pool.FixedBufferPool
	metrics   Metrics
}

// NewCopier creates a copier that verifies content with alg.
func NewCopier(c *codec.Codec, alg Algorithm, buffers *pool.FixedBufferPool, metrics Metrics) *Copier {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Copier{codec: c, algorithm: alg, buffers: buffers, metrics: metrics}
}

// Copy writes src to dst+".part", re-deriving the checksum while streaming,
// and renames it to dst only if the digest still equals checksum. On any
// failure the temporary file is removed and dst is never created.
func (c *Copier) Copy(src, checksum, dst string, compressed bool) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + PartSuffix
	var out io.WriteCloser
	if compressed {
		out, err = c.codec.CreateCompressed(tmp)
	} else {
		out, err = c.codec.CreateBinary(tmp)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
				plog.Warn("Failed to remove partial archive file", "path", tmp, "error", rmErr)
			}
		}
	}()

	bufPtr := c.buffers.Get()
	defer c.buffers.Put(bufPtr)

	h := c.algorithm.New()
	n, copyErr := io.CopyBuffer(io.MultiWriter(h, out), struct{ io.Reader }{in}, *bufPtr)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to copy %s: %w", src, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finish %s: %w", tmp, closeErr)
	}
	c.metrics.AddBytesArchived(n)

	if got := hex.EncodeToString(h.Sum(nil)); got != checksum {
		return fmt.Errorf("%w: %s hashed to %s, expected %s", ErrContentMismatch, src, got, checksum)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}

var _ contentCopier = (*Copier)(nil)
