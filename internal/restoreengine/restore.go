package restoreengine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/catalog"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/statuslog"
)

// Result summarizes a completed restore run.
type Result struct {
	FilesRestored int64
	BytesWritten  int64
}

// ResolveLatest looks up targetID's latest snapshot/manifest pointer in
// the endpoint's pinned bootstrap catalog, for "restore latest" callers
// that don't already have an explicit (snapshot_id, manifest_object_id)
// pair.
func (e *Engine) ResolveLatest(ctx context.Context, targetID string) (snapshotID, manifestObjectID string, err error) {
	cat, ok, err := catalog.Fetch(ctx, e.cfg.Storage, e.cfg.Peer, e.cfg.MasterKey)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", errtaxonomy.New(errtaxonomy.CodeBootstrapMissing, false, "no bootstrap catalog pinned for this endpoint")
	}
	entry, found := catalog.LookupTarget(cat, targetID)
	if !found {
		return "", "", errtaxonomy.New(errtaxonomy.CodeBootstrapMissing, false, "no catalog entry for target %q", targetID)
	}
	return entry.Latest.SnapshotID, entry.Latest.ManifestObjectID, nil
}

// Restore reassembles every file of snapshotID into targetRoot. The
// caller is responsible for having already opened Config.Store
// against a local index synced to snapshotID (via index.DownloadSnapshot
// or an existing local copy).
func (e *Engine) Restore(ctx context.Context, snapshotID, targetRoot string) (Result, error) {
	e.emit(statuslog.Event{Type: statuslog.EventPhaseStart, Phase: "restore"})
	defer e.emit(statuslog.Event{Type: statuslog.EventPhaseFinish, Phase: "restore"})

	files, err := e.cfg.Store.FilesForSnapshot(snapshotID)
	if err != nil {
		return Result{}, errors.AddContext(err, "restoreengine: unable to list files")
	}

	var res Result
	for _, f := range files {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		n, err := e.restoreFile(ctx, f, targetRoot)
		if err != nil {
			return res, err
		}
		res.FilesRestored++
		res.BytesWritten += n
	}
	return res, nil
}

func (e *Engine) restoreFile(ctx context.Context, f index.File, targetRoot string) (int64, error) {
	destPath, err := destinationPath(targetRoot, f.Path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return 0, errors.AddContext(err, "restoreengine: unable to create parent directory")
	}

	fcs, err := e.cfg.Store.FileChunksForFile(f.ID)
	if err != nil {
		return 0, errors.AddContext(err, "restoreengine: unable to list file_chunks")
	}

	if f.Kind == "symlink" {
		return e.restoreSymlink(ctx, fcs, destPath)
	}

	tmpPath := destPath + ".restoring.tmp"
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, errors.AddContext(err, "restoreengine: unable to create temp file")
	}

	var written int64
	for _, fc := range fcs {
		select {
		case <-ctx.Done():
			out.Close()
			os.Remove(tmpPath)
			return written, ctx.Err()
		default:
		}
		plain, err := e.fetchChunk(ctx, fc.ChunkHash)
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
			return written, err
		}
		slice := plain[fc.Offset : fc.Offset+fc.Len]
		if _, err := out.Write(slice); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return written, errors.AddContext(err, "restoreengine: unable to write restored bytes")
		}
		written += int64(len(slice))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return written, errors.AddContext(err, "restoreengine: unable to close temp file")
	}

	if written != f.Size {
		os.Remove(tmpPath)
		return written, errtaxonomy.New(errtaxonomy.CodeChunkHashMismatch, false, "restored file %q size %d does not match indexed size %d", f.Path, written, f.Size)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return written, errors.AddContext(err, "restoreengine: unable to finalize restored file")
	}
	if f.Mode != 0 {
		if err := os.Chmod(destPath, os.FileMode(f.Mode)); err != nil {
			return written, errors.AddContext(err, "restoreengine: unable to set restored file mode")
		}
	}
	mtime := time.UnixMilli(f.MtimeMs)
	if err := os.Chtimes(destPath, mtime, mtime); err != nil {
		return written, errors.AddContext(err, "restoreengine: unable to set restored mtime")
	}
	return written, nil
}

// restoreSymlink reassembles a symlink's stored target path (its sole
// "content", chunked the same as regular file bytes by the backup
// engine) and recreates the link.
func (e *Engine) restoreSymlink(ctx context.Context, fcs []index.FileChunk, destPath string) (int64, error) {
	var target []byte
	for _, fc := range fcs {
		plain, err := e.fetchChunk(ctx, fc.ChunkHash)
		if err != nil {
			return 0, err
		}
		target = append(target, plain[fc.Offset:fc.Offset+fc.Len]...)
	}
	os.Remove(destPath)
	if err := os.Symlink(string(target), destPath); err != nil {
		return 0, errors.AddContext(err, "restoreengine: unable to create symlink")
	}
	return int64(len(target)), nil
}
