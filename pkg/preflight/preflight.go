// Package preflight holds the checks that run before a backup touches the
// archive root. Apart from the writability probe they do not change the
// filesystem.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// CheckArchiveRootAccessible gives friendlier errors than a failing
// os.MkdirAll: the volume must exist, an existing root must be a directory,
// and a missing root needs an accessible parent.
func CheckArchiveRootAccessible(root string) error {
	if err := checkVolumeExists(root); err != nil {
		return err
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		parent := filepath.Dir(root)
		if _, err := os.Stat(parent); os.IsNotExist(err) {
			return fmt.Errorf("archive root and its parent directory do not exist: %s", parent)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parent, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("cannot access archive root: %w", err)
	case !info.IsDir():
		return fmt.Errorf("archive root exists but is not a directory: %s", root)
	}
	return nil
}

// CheckArchiveRootWritable creates the root if needed and probes it with a temporary file.
func CheckArchiveRootWritable(root string) error {
	if err := os.MkdirAll(root, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create archive root %s: %w", root, err)
	}
	f, err := os.CreateTemp(root, ".pgl-vault-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("archive root %s is not writable: %w", root, err)
	}
	f.Close()
	_ = os.Remove(f.Name())
	return nil
}

// CheckPathNesting rejects includes that are the archive root or lie inside
// it. A root inside an include is allowed; the walk excludes it.
func CheckPathNesting(root string, includes []string) error {
	normRoot := comparablePath(root)
	for _, inc := range includes {
		normInc := comparablePath(inc)
		if normInc == normRoot || strings.HasPrefix(normInc, strings.TrimSuffix(normRoot, "/")+"/") {
			return fmt.Errorf("include %s lies inside the archive root %s", inc, root)
		}
	}
	return nil
}

func comparablePath(p string) string {
	p = util.NormalizePath(p)
	if util.IsHostCaseInsensitiveFS() {
		p = strings.ToLower(p)
	}
	return p
}
