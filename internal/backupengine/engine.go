// Package backupengine orchestrates one backup run end to end: the
// queued→index_sync→scan→upload→index→catalog→finished|failed|cancelled
// phase state machine. Scan and upload run concurrently against a
// bounded queue; threadgroup.ThreadGroup provides cooperative
// cancellation and ratelimitgate the shared upload pacing gate.
package backupengine

import (
	"context"
	"os"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/catalog"
	"github.com/televybackup/televybackup/internal/chunker"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/ratelimitgate"
	"github.com/televybackup/televybackup/internal/statuslog"
	"github.com/televybackup/televybackup/internal/storage"
	"github.com/televybackup/televybackup/persist"
)

// Key derivation contexts for call sites that use a key derived from
// the master key rather than the master key itself.
const (
	chunkKeyContext       = "televy.chunk.v1"
	packTrailerKeyContext = "televy.pack.trailer.v1"
	remoteIndexKeyContext = "televy.remote_index.v1"
)

// Phase names, as they appear in phase.start/phase.finish events.
const (
	PhaseIndexSync = "index_sync"
	PhaseScan      = "scan"
	PhaseUpload    = "upload"
	PhaseIndex     = "index"
	PhaseCatalog   = "catalog"
)

// Terminal run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Config is everything one backup run needs. The caller owns opening
// Store against the correct per-endpoint database file and constructing
// Storage; the engine owns the run's rate-limit gate and upload pipeline.
type Config struct {
	Store   *index.Store
	Storage storage.Capability

	MasterKey cryptframe.Key
	Peer      string // the endpoint's chat_id
	Provider  string // "telegram.mtproto/<endpoint_id>", must match Store's provider

	TargetID   string
	SourcePath string
	Label      string
	Excludes   []string

	Chunking chunker.Params

	MaxConcurrentUploads int
	MinDelayMs           int
	UploadBPS            int64 // 0 = unlimited

	NoRemoteIndexSync bool

	DBPath string // path to the index database file, for the index phase's upload and the index_sync phase's replace

	StatusEmitter statuslog.Emitter
}

// Result summarizes a completed (or failed/cancelled) run.
type Result struct {
	RunID            string
	SnapshotID       string
	ManifestObjectID string
	Status           string
	FilesDone        int64
	ChunksDone       int64
	BytesRead        int64
	BytesUploaded    int64
	BytesDeduped     int64
}

// Engine drives one Config through the full phase state machine.
type Engine struct {
	cfg  Config
	gate *ratelimitgate.Gate
}

// New returns an Engine ready to Run once. MaxConcurrentUploads defaults
// to 2 and MinDelayMs to 250 when unset.
func New(cfg Config) *Engine {
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 2
	}
	if cfg.MinDelayMs <= 0 {
		cfg.MinDelayMs = 250
	}
	if cfg.StatusEmitter == nil {
		cfg.StatusEmitter = statuslog.NullWriter{}
	}
	gate := ratelimitgate.New(cfg.MaxConcurrentUploads, time.Duration(cfg.MinDelayMs)*time.Millisecond, cfg.UploadBPS)
	return &Engine{cfg: cfg, gate: gate}
}

// Store returns the engine's current index store handle. The index_sync
// phase may have swapped it for a freshly synced database since New, so
// callers close this rather than the handle they originally passed in.
func (e *Engine) Store() *index.Store { return e.cfg.Store }

func (e *Engine) chunkKey() cryptframe.Key {
	return cryptframe.DeriveKey(e.cfg.MasterKey, chunkKeyContext)
}

func (e *Engine) packTrailerKey() cryptframe.Key {
	return cryptframe.DeriveKey(e.cfg.MasterKey, packTrailerKeyContext)
}

func (e *Engine) remoteIndexKey() cryptframe.Key {
	return cryptframe.DeriveKey(e.cfg.MasterKey, remoteIndexKeyContext)
}

func (e *Engine) maxPendingJobs() int {
	return 2 * e.cfg.MaxConcurrentUploads
}

// progress holds the run's atomic counters, read periodically to emit
// task.progress events.
type progress struct {
	filesTotal, filesDone   int64
	chunksTotal, chunksDone int64
	bytesRead               int64
	bytesUploaded           int64
	bytesDownloaded         int64
	bytesDeduped            int64
}

func (e *Engine) emit(ev statuslog.Event) {
	_ = e.cfg.StatusEmitter.Emit(ev)
}

func (e *Engine) emitPhase(t statuslog.EventType, phase string) {
	e.emit(statuslog.Event{Type: t, Phase: phase})
}

func (e *Engine) emitProgress(phase string, p *progress) {
	e.emit(statuslog.Event{
		Type:  statuslog.EventTaskProgress,
		Phase: phase,
		Progress: &statuslog.Progress{
			FilesTotal:      int(p.filesTotal),
			FilesDone:       int(p.filesDone),
			ChunksTotal:     int(p.chunksTotal),
			ChunksDone:      int(p.chunksDone),
			BytesRead:       p.bytesRead,
			BytesUploaded:   p.bytesUploaded,
			BytesDownloaded: p.bytesDownloaded,
			BytesDeduped:    p.bytesDeduped,
		},
	})
}

// Run executes one full backup run. The returned error is nil exactly
// when Result.Status == StatusSucceeded; a cancelled ctx yields
// StatusCancelled with a nil error, since cancellation is not an
// error.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	defer e.gate.Stop()

	runID := persist.UID()
	res := Result{RunID: runID}
	e.emit(statuslog.Event{Type: statuslog.EventRunStart})

	startedAt := index.NowMs()
	if !e.cfg.NoRemoteIndexSync {
		e.emitPhase(statuslog.EventPhaseStart, PhaseIndexSync)
		err := e.indexSync(ctx)
		e.emitPhase(statuslog.EventPhaseFinish, PhaseIndexSync)
		if err != nil {
			return e.finishFailed(res, err)
		}
	}

	// The task row is only recorded once index_sync can no longer replace
	// the database out from under it.
	taskID := persist.UID()
	if err := e.cfg.Store.InsertTask(taskID, "backup", "queued", startedAt, ""); err != nil {
		return e.finishFailed(res, err)
	}

	snapshotID := persist.UID()
	baseSnapshot, _, err := e.cfg.Store.LatestSnapshotID(e.cfg.SourcePath)
	if err != nil {
		return e.finishFailed(res, err)
	}
	res.SnapshotID = snapshotID
	if err := e.cfg.Store.InsertSnapshot(index.Snapshot{
		ID:           snapshotID,
		SourcePath:   e.cfg.SourcePath,
		Label:        e.cfg.Label,
		BaseSnapshot: baseSnapshot,
		CreatedAtMs:  index.NowMs(),
	}); err != nil {
		return e.finishFailed(res, err)
	}
	if err := e.cfg.Store.UpdateTaskState(taskID, "scan", 0, "", ""); err != nil {
		return e.finishFailed(res, err)
	}

	prog := &progress{}
	e.emitPhase(statuslog.EventPhaseStart, PhaseScan)
	e.emitPhase(statuslog.EventPhaseStart, PhaseUpload)
	runErr := e.scanAndUpload(ctx, snapshotID, prog)
	e.emitPhase(statuslog.EventPhaseFinish, PhaseScan)
	e.emitPhase(statuslog.EventPhaseFinish, PhaseUpload)
	e.emitProgress(PhaseUpload, prog)

	res.FilesDone = prog.filesDone
	res.ChunksDone = prog.chunksDone
	res.BytesRead = prog.bytesRead
	res.BytesUploaded = prog.bytesUploaded
	res.BytesDeduped = prog.bytesDeduped

	if runErr != nil {
		if errors.Contains(runErr, context.Canceled) {
			_ = e.cfg.Store.UpdateTaskState(taskID, "cancelled", index.NowMs(), "", "")
			return e.finishCancelled(res)
		}
		_ = e.cfg.Store.UpdateTaskState(taskID, "failed", index.NowMs(), classifyCode(runErr), runErr.Error())
		return e.finishFailed(res, runErr)
	}

	e.emitPhase(statuslog.EventPhaseStart, PhaseIndex)
	manifestOID, err := e.runIndex(ctx, snapshotID)
	e.emitPhase(statuslog.EventPhaseFinish, PhaseIndex)
	if err != nil {
		_ = e.cfg.Store.UpdateTaskState(taskID, "failed", index.NowMs(), classifyCode(err), err.Error())
		return e.finishFailed(res, err)
	}
	res.ManifestObjectID = manifestOID

	e.emitPhase(statuslog.EventPhaseStart, PhaseCatalog)
	catErr := e.runCatalog(ctx, snapshotID, manifestOID)
	e.emitPhase(statuslog.EventPhaseFinish, PhaseCatalog)
	if catErr != nil {
		code, _, _ := errtaxonomy.Classify(catErr)
		if code != errtaxonomy.CodeBootstrapForbidden {
			_ = e.cfg.Store.UpdateTaskState(taskID, "failed", index.NowMs(), classifyCode(catErr), catErr.Error())
			return e.finishFailed(res, catErr)
		}
		// bootstrap.forbidden does not fail an otherwise-successful
		// run: data and the local/remote index are already durable.
	}

	_ = e.cfg.Store.UpdateTaskState(taskID, "finished", index.NowMs(), "", "")
	res.Status = StatusSucceeded
	e.emit(statuslog.Event{Type: statuslog.EventRunFinish, Status: StatusSucceeded})
	return res, nil
}

func (e *Engine) finishFailed(res Result, err error) (Result, error) {
	res.Status = StatusFailed
	code, _, _ := errtaxonomy.Classify(err)
	e.emit(statuslog.Event{Type: statuslog.EventRunFinish, Status: StatusFailed, ErrorCode: string(code), ErrorMessage: err.Error()})
	return res, err
}

func (e *Engine) finishCancelled(res Result) (Result, error) {
	res.Status = StatusCancelled
	e.emit(statuslog.Event{Type: statuslog.EventRunFinish, Status: StatusCancelled})
	return res, nil
}

func classifyCode(err error) string {
	code, _, ok := errtaxonomy.Classify(err)
	if !ok {
		return ""
	}
	return string(code)
}

// indexSync is the remote-first preflight: read the
// pinned bootstrap catalog, and if it names a manifest this store hasn't
// recorded yet, download and atomically replace the local database
// before scanning begins.
func (e *Engine) indexSync(ctx context.Context) error {
	cat, ok, err := catalog.Fetch(ctx, e.cfg.Storage, e.cfg.Peer, e.cfg.MasterKey)
	if err != nil {
		// Includes bootstrap.decrypt_failed: Fetch never mutates the
		// pinned object, so returning here leaves it untouched.
		return err
	}
	if !ok {
		// No pinned catalog: local DB (including "no local DB") is
		// authoritative.
		return nil
	}
	entry, found := catalog.LookupTarget(cat, e.cfg.TargetID)
	if !found {
		return nil
	}
	recorded, err := e.cfg.Store.HasRemoteIndexManifest(entry.Latest.ManifestObjectID)
	if err != nil {
		return errors.AddContext(err, "backupengine: unable to check local remote_indexes")
	}
	if recorded {
		return nil
	}

	tmpPath := e.cfg.DBPath + ".sync." + persist.RandomSuffix()
	if err := index.DownloadSnapshot(ctx, e.cfg.Storage, e.remoteIndexKey(), entry.Latest.ManifestObjectID, entry.Latest.SnapshotID, tmpPath); err != nil {
		return err
	}
	if err := e.cfg.Store.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.AddContext(err, "backupengine: unable to close local index before replacing it")
	}
	if err := os.Rename(tmpPath, e.cfg.DBPath); err != nil {
		return errors.AddContext(err, "backupengine: unable to replace local index with synced copy")
	}
	reopened, err := index.Open(e.cfg.DBPath, e.cfg.Provider)
	if err != nil {
		return errors.AddContext(err, "backupengine: unable to reopen synced local index")
	}
	e.cfg.Store = reopened
	return nil
}

// runIndex is the index phase: checkpoint, compress,
// split, AEAD-frame, and upload the local database, recording the
// resulting manifest and parts.
func (e *Engine) runIndex(ctx context.Context, snapshotID string) (string, error) {
	if err := e.cfg.Store.Checkpoint(); err != nil {
		return "", errors.AddContext(err, "backupengine: unable to checkpoint index before upload")
	}
	manifestOID, parts, err := index.UploadSnapshot(ctx, e.cfg.Storage, e.cfg.Peer, e.remoteIndexKey(), snapshotID, e.cfg.DBPath)
	if err != nil {
		return "", errtaxonomy.Wrap(errtaxonomy.CodeTelegramUnavailable, err)
	}
	if err := e.cfg.Store.InsertRemoteIndex(snapshotID, manifestOID, index.NowMs()); err != nil {
		return "", err
	}
	rips := make([]index.RemoteIndexPart, len(parts))
	for i, p := range parts {
		rips[i] = index.RemoteIndexPart{PartNo: p.PartNo, Provider: e.cfg.Provider, ObjectID: p.ObjectID, Size: p.Size, Hash: p.Hash}
	}
	if err := e.cfg.Store.InsertRemoteIndexParts(snapshotID, rips); err != nil {
		return "", err
	}
	return manifestOID, nil
}

// runCatalog is the catalog phase: read-modify-write-pin
// the bootstrap catalog, updating this target's latest pointer.
func (e *Engine) runCatalog(ctx context.Context, snapshotID, manifestOID string) error {
	cat, _, err := catalog.Fetch(ctx, e.cfg.Storage, e.cfg.Peer, e.cfg.MasterKey)
	if err != nil {
		return err
	}
	updated := catalog.WithUpdatedTarget(cat, e.cfg.TargetID, e.cfg.SourcePath, e.cfg.Label, snapshotID, manifestOID, time.Now().UTC().Format(time.RFC3339))
	return catalog.Publish(ctx, e.cfg.Storage, e.cfg.Peer, e.cfg.MasterKey, updated)
}
