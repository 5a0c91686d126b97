//go:build windows

package pathdedup

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/paulschiretz/pgl-vault/pkg/metastore"
)

func statFile(path string) (fileStat, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fileStat{}, fmt.Errorf("invalid path %s: %w", path, err)
	}
	h, err := windows.CreateFile(p,
		windows.FILE_READ_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT,
		0)
	if err != nil {
		return fileStat{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer windows.CloseHandle(h)

	var d windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &d); err != nil {
		return fileStat{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return fileStat{
		id: metastore.Identity{
			Device:  uint64(d.VolumeSerialNumber),
			Inode:   uint64(d.FileIndexHigh)<<32 | uint64(d.FileIndexLow),
			ModTime: d.LastWriteTime.Nanoseconds(),
		},
		size: int64(d.FileSizeHigh)<<32 | int64(d.FileSizeLow),
	}, nil
}
