package pathdedup

import (
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/paulschiretz/pgl-vault/pkg/codec"
	"github.com/paulschiretz/pgl-vault/pkg/metastore"
)

// VerifyObject reads an archived object back through the codec and checks
// that its content still hashes to checksum.
func VerifyObject(c *codec.Codec, alg Algorithm, root string, loc metastore.Location, checksum string) error {
	path := filepath.Join(root, filepath.FromSlash(loc.Path(checksum)))

	var r io.ReadCloser
	var err error
	if loc.Compressed {
		r, err = c.OpenCompressed(path)
	} else {
		r, err = c.OpenBinary(path)
	}
	if err != nil {
		return fmt.Errorf("failed to open archived object: %w", err)
	}
	defer r.Close()

	h := alg.New()
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("failed to read archived object %s: %w", path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != checksum {
		return fmt.Errorf("%w: archived object %s hashes to %s", ErrContentMismatch, path, got)
	}
	return nil
}
