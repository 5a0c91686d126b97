package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckArchiveRootAccessible(t *testing.T) {
	t.Run("Root Exists", func(t *testing.T) {
		if err := CheckArchiveRootAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Root Does Not Exist, Parent Exists", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")
		if err := CheckArchiveRootAccessible(root); err != nil {
			t.Errorf("expected no error when parent exists, but got: %v", err)
		}
	})

	t.Run("Parent Missing", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "missing", "vault")
		if err := CheckArchiveRootAccessible(root); err == nil {
			t.Error("expected an error when the parent is missing")
		}
	})

	t.Run("Root Is a File", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "vault")
		if err := os.WriteFile(file, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckArchiveRootAccessible(file)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected a 'not a directory' error, but got: %v", err)
		}
	})
}

func TestCheckArchiveRootWritable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	if err := CheckArchiveRootWritable(root); err != nil {
		t.Fatalf("expected writable root, got: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestCheckPathNesting(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "vault")

	testCases := []struct {
		name     string
		includes []string
		wantErr  bool
	}{
		{"Sibling", []string{filepath.Join(base, "data")}, false},
		{"Root Inside Include", []string{base}, false},
		{"Same Prefix Is Not Nesting", []string{filepath.Join(base, "vault2")}, false},
		{"Include Is Root", []string{root}, true},
		{"Include Inside Root", []string{filepath.Join(root, "00")}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPathNesting(root, tc.includes)
			if (err != nil) != tc.wantErr {
				t.Errorf("CheckPathNesting() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFreeSpace(t *testing.T) {
	if _, err := FreeSpace(t.TempDir()); err != nil {
		t.Fatalf("FreeSpace failed: %v", err)
	}
}
