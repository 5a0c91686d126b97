//go:build unix

package pathdedup

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-vault/pkg/metastore"
)

func statFile(path string) (fileStat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fileStat{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return fileStat{
		id: metastore.Identity{
			Device:  uint64(st.Dev),
			Inode:   uint64(st.Ino),
			ModTime: st.Mtim.Nano(),
		},
		size: st.Size,
	}, nil
}
