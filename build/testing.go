package build

import (
	"os"
	"path/filepath"
)

var (
	// TestingDir is the directory that contains all of the files and
	// folders created during testing.
	TestingDir = filepath.Join(os.TempDir(), "TelevyBackupTesting")
)

// TempDir joins the provided directories and prefixes them with the
// televybackup testing directory. Any leftover data from a previous run
// of the same test is removed.
func TempDir(dirs ...string) string {
	path := filepath.Join(TestingDir, filepath.Join(dirs...))
	_ = os.RemoveAll(path)
	return path
}
