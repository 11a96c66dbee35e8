package backupengine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/uplo-tech/errors"
)

// scanEntry is one file the walker found, queued for chunking.
type scanEntry struct {
	path    string // absolute path on disk
	relPath string // path relative to SourcePath, used as the files.path column
	size    int64
	mtimeMs int64
	mode    uint32
	kind    string
}

// scan walks cfg.SourcePath, skipping anything matched by cfg.Excludes
// (per-target exclude globs, matched with full-path semantics
// via doublestar so a pattern like "**/*.tmp" or "node_modules/**" behaves
// the way a .gitignore-style pattern would), and sends one scanEntry per
// regular file and symlink found to out. Directories that themselves
// match an exclude pattern are not descended into.
func scan(ctx context.Context, sourcePath string, excludes []string, out chan<- scanEntry, prog *progress) error {
	defer close(out)

	root := filepath.Clean(sourcePath)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to walk source tree")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to relativize path")
		}
		if rel == "." {
			return nil
		}
		if matchesAny(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to stat entry")
		}

		kind := "file"
		if info.Mode()&os.ModeSymlink != 0 {
			kind = "symlink"
		} else if !info.Mode().IsRegular() {
			// Sockets, devices, fifos: not addressable content,
			// skipped silently.
			return nil
		}

		prog.filesTotal++
		select {
		case out <- scanEntry{
			path:    path,
			relPath: filepath.ToSlash(rel),
			size:    info.Size(),
			mtimeMs: info.ModTime().UnixMilli(),
			mode:    uint32(info.Mode().Perm()),
			kind:    kind,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// matchesAny reports whether relPath matches any of the exclude globs.
func matchesAny(relPath string, excludes []string) bool {
	slashed := filepath.ToSlash(relPath)
	for _, pattern := range excludes {
		if ok, err := doublestar.Match(pattern, slashed); err == nil && ok {
			return true
		}
	}
	return false
}
