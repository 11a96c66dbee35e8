package backupengine

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/chunker"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/pack"
	"github.com/televybackup/televybackup/internal/storage"
	"github.com/televybackup/televybackup/persist"
)

// uploadRetryMaxAttempts bounds the exponential backoff retry loop around
// a single upload call.
const uploadRetryMaxAttempts = 5

// blobMsg is one AEAD-framed, not-yet-uploaded chunk blob produced by
// processFile and consumed by runPacker.
type blobMsg struct {
	hash    [32]byte
	hashHex string
	blob    []byte
}

// uploadJob is one unit handed to an upload goroutine: either a single
// direct chunk blob (hashHex set, entries nil) or a flushed pack document
// (entries set, one per contained chunk).
type uploadJob struct {
	data    []byte
	hashHex string
	entries []pack.Entry
}

// scanAndUpload drives the scan→chunk→dedup→pack→upload pipeline for one
// snapshot. Scan and upload run concurrently rather than as two
// barrier-separated passes, so uploads start before the walk finishes.
func (e *Engine) scanAndUpload(ctx context.Context, snapshotID string, prog *progress) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan scanEntry, 64)
	scanErrCh := make(chan error, 1)
	go func() { scanErrCh <- scan(ctx, e.cfg.SourcePath, e.cfg.Excludes, entries, prog) }()

	blobs := make(chan blobMsg, e.maxPendingJobs())
	packErrCh := make(chan error, 1)
	go func() { packErrCh <- e.runPacker(ctx, blobs, prog) }()

	var fileErr error
	for entry := range entries {
		if fileErr != nil {
			continue // still drain so the scan goroutine's send never blocks forever
		}
		if err := e.processFile(ctx, snapshotID, entry, blobs, prog); err != nil {
			fileErr = err
			cancel()
		}
	}
	close(blobs)

	packErr := <-packErrCh
	scanErr := <-scanErrCh

	if fileErr != nil {
		return fileErr
	}
	if scanErr != nil && !errors.Contains(scanErr, context.Canceled) {
		return scanErr
	}
	return packErr
}

// processFile records one file's row, chunks its content, dedups each
// chunk against this store's active provider, and enqueues any new
// chunk's encrypted blob for packing/upload. file_chunks rows are
// written once the whole file has been chunked, preserving the dense
// strictly-increasing seq ordering even though chunk uploads themselves
// are enqueued incrementally.
func (e *Engine) processFile(ctx context.Context, snapshotID string, entry scanEntry, blobs chan<- blobMsg, prog *progress) error {
	fileID := persist.UID()
	if err := e.cfg.Store.InsertFile(index.File{
		ID:         fileID,
		SnapshotID: snapshotID,
		Path:       entry.relPath,
		Size:       entry.size,
		MtimeMs:    entry.mtimeMs,
		Mode:       entry.mode,
		Kind:       entry.kind,
	}); err != nil {
		return errors.AddContext(err, "backupengine: unable to record file")
	}

	var content io.Reader
	if entry.kind == "symlink" {
		target, err := os.Readlink(entry.path)
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to read symlink target")
		}
		content = strings.NewReader(target)
	} else {
		f, err := os.Open(entry.path)
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to open file")
		}
		defer f.Close()
		content = f
	}

	ch := chunker.New(content, e.cfg.Chunking)
	var fcs []index.FileChunk
	var fileOffset int64
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c, err := ch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to read chunk")
		}

		prog.bytesRead += int64(len(c.Data))
		prog.chunksTotal++

		hashHex := hex.EncodeToString(c.Hash[:])
		_, dedupHit, err := e.cfg.Store.ChunkObjectForActiveProvider(hashHex)
		if err != nil {
			return errors.AddContext(err, "backupengine: unable to check chunk_objects")
		}
		if dedupHit {
			prog.bytesDeduped += int64(len(c.Data))
		} else {
			// InsertChunkIfNew happens-before the blob is enqueued
			// for upload: a restart between these two steps leaves a
			// chunks row with no object yet, never the reverse.
			if _, err := e.cfg.Store.InsertChunkIfNew(index.ChunkMeta{
				Hash:        hashHex,
				Size:        int64(len(c.Data)),
				HashAlg:     "blake3",
				EncAlg:      "xchacha20poly1305",
				CreatedAtMs: index.NowMs(),
			}); err != nil {
				return errors.AddContext(err, "backupengine: unable to record chunk")
			}
			blob, err := cryptframe.Seal(e.chunkKey(), c.Hash[:], c.Data)
			if err != nil {
				return errors.AddContext(err, "backupengine: unable to seal chunk")
			}
			select {
			case blobs <- blobMsg{hash: c.Hash, hashHex: hashHex, blob: blob}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		fcs = append(fcs, index.FileChunk{
			FileID:    fileID,
			Seq:       seq,
			ChunkHash: hashHex,
			Offset:    fileOffset,
			Len:       int64(len(c.Data)),
		})
		fileOffset += int64(len(c.Data))
		prog.chunksDone++
	}

	if len(fcs) > 0 {
		if err := e.cfg.Store.InsertFileChunks(fcs); err != nil {
			return errors.AddContext(err, "backupengine: unable to record file_chunks")
		}
	}
	prog.filesDone++
	return nil
}

// runPacker applies the greedy bin-packing flush policy over a
// stream of blobs whose final count isn't known up front: it buffers
// blobs directly until either PACK_ENABLE_MIN_OBJECTS or the 32 MiB
// byte threshold is crossed, at which point it switches into packing
// mode for the remainder of the run (including the blobs already
// buffered). Uploads are dispatched to their own goroutines as soon as a
// pack (or, in skip-packing mode, a chunk) is ready, so upload bandwidth
// isn't serialized behind the packer's single-threaded bin-packing loop;
// ratelimitgate.Gate bounds real concurrency across them.
func (e *Engine) runPacker(ctx context.Context, in <-chan blobMsg, prog *progress) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	// Pending-bytes gate: flushed-but-not-yet-uploaded documents are
	// bounded at 2 x max_concurrent_uploads x pack.MaxBytes, so a fast
	// packer over slow uploads can't accumulate packs in memory without
	// limit. A job larger than the whole budget is admitted alone.
	maxPendingBytes := int64(2*e.cfg.MaxConcurrentUploads) * pack.MaxBytes
	var pendingBytes int64
	var pendingMu sync.Mutex
	pendingCond := sync.NewCond(&pendingMu)
	dispatch := func(job uploadJob) {
		size := int64(len(job.data))
		pendingMu.Lock()
		for pendingBytes > 0 && pendingBytes+size > maxPendingBytes {
			pendingCond.Wait()
		}
		pendingBytes += size
		pendingMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				pendingMu.Lock()
				pendingBytes -= size
				pendingCond.Signal()
				pendingMu.Unlock()
			}()
			if err := e.handleUploadJob(ctx, job, prog); err != nil {
				fail(err)
			}
		}()
	}

	var buffered []blobMsg
	var bufferedBytes int64
	packing := false
	var builder *pack.Builder

	flushBuilder := func() {
		if builder == nil || builder.Entries() == 0 {
			return
		}
		doc, entries, err := builder.Flush(e.packTrailerKey())
		if err != nil {
			fail(err)
			builder = nil
			return
		}
		dispatch(uploadJob{data: doc, entries: entries})
		builder = nil
	}
	appendToBuilder := func(m blobMsg) {
		if builder == nil {
			builder = pack.NewBuilder(pack.TargetForPack(persist.UID()))
		}
		if builder.WouldOverflow(int64(len(m.blob))) {
			flushBuilder()
			builder = pack.NewBuilder(pack.TargetForPack(persist.UID()))
		}
		builder.Append(m.hash, m.blob)
	}

loop:
	for {
		select {
		case m, ok := <-in:
			if !ok {
				break loop
			}
			if packing {
				appendToBuilder(m)
				continue
			}
			buffered = append(buffered, m)
			bufferedBytes += int64(len(m.blob))
			if !pack.ShouldSkipPacking(len(buffered), bufferedBytes) {
				packing = true
				for _, bm := range buffered {
					appendToBuilder(bm)
				}
				buffered = nil
				bufferedBytes = 0
			}
		case <-ctx.Done():
			wg.Wait()
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		}
	}

	if packing {
		flushBuilder()
	} else {
		for _, m := range buffered {
			dispatch(uploadJob{data: m.blob, hashHex: m.hashHex})
		}
	}

	wg.Wait()
	return firstErr
}

// handleUploadJob uploads one pack document or direct chunk blob and
// records the resulting object_id for every chunk it contains.
func (e *Engine) handleUploadJob(ctx context.Context, job uploadJob, prog *progress) error {
	oid, err := e.uploadWithRetry(ctx, job.data)
	if err != nil {
		return err
	}
	now := index.NowMs()
	if job.entries != nil {
		for _, en := range job.entries {
			ref := pack.ObjectIDForEntry(oid, en)
			if err := e.cfg.Store.UpsertChunkObject(en.HashHex, ref.String(), now); err != nil {
				return errors.AddContext(err, "backupengine: unable to record packed chunk_objects row")
			}
		}
	} else {
		if err := e.cfg.Store.UpsertChunkObject(job.hashHex, oid.String(), now); err != nil {
			return errors.AddContext(err, "backupengine: unable to record chunk_objects row")
		}
	}
	atomic.AddInt64(&prog.bytesUploaded, int64(len(job.data)))
	return nil
}

// uploadWithRetry acquires the run's shared concurrency/pacing slot and
// uploads data, retrying telegram.unavailable-classified failures with
// exponential backoff and failing fast on anything classified
// non-retryable.
func (e *Engine) uploadWithRetry(ctx context.Context, data []byte) (storage.ObjectID, error) {
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return storage.ObjectID{}, err
	}
	defer release()

	var oid storage.ObjectID
	op := func() error {
		// Each attempt drains the payload through the shared bandwidth
		// throttle, so retries pay for their wire time too.
		throttled, terr := e.gate.ThrottleUpload(data)
		if terr != nil {
			return backoff.Permanent(terr)
		}
		var uploadErr error
		oid, uploadErr = e.cfg.Storage.UploadDocument(ctx, e.cfg.Peer, throttled, nil)
		if uploadErr == nil {
			return nil
		}
		if _, retryable, ok := errtaxonomy.Classify(uploadErr); ok && !retryable {
			return backoff.Permanent(uploadErr)
		}
		return uploadErr
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uploadRetryMaxAttempts), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return storage.ObjectID{}, errtaxonomy.Wrap(errtaxonomy.CodeTelegramUnavailable, err)
	}
	return oid, nil
}
