package pathdedup

import "github.com/paulschiretz/pgl-vault/pkg/metastore"

// fileStat is what the task needs from a file's status, read without
// following symlinks.
type fileStat struct {
	id   metastore.Identity
	size int64
}
