package index

import (
	"database/sql"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/televybackup/televybackup/internal/storage"
)

// Snapshot is one backup run's recorded view of a source tree.
type Snapshot struct {
	ID           string
	SourcePath   string
	Label        string
	BaseSnapshot string
	CreatedAtMs  int64
}

// File is one path captured within a snapshot.
type File struct {
	ID         string
	SnapshotID string
	Path       string
	Size       int64
	MtimeMs    int64
	Mode       uint32
	Kind       string
}

// FileChunk is one step of the ordered recipe to reassemble a file.
type FileChunk struct {
	FileID    string
	Seq       int
	ChunkHash string
	Offset    int64
	Len       int64
}

// ChunkMeta describes one content-addressed chunk.
type ChunkMeta struct {
	Hash        string
	Size        int64
	HashAlg     string
	EncAlg      string
	CreatedAtMs int64
}

// RemoteIndexPart records one uploaded part of a remote index image.
type RemoteIndexPart struct {
	PartNo   int
	Provider string
	ObjectID string
	Size     int64
	Hash     string
}

// writeIntent is a unit of work the dedicated writer goroutine executes
// against the single SQLite connection. Every mutating call on Store is
// translated into one of these and sent over a channel, so no other
// goroutine ever touches the *sql.DB directly.
type writeIntent struct {
	fn   func(*sql.Tx) error
	done chan error
}

// Store is the per-endpoint index database. All writes route
// through a single writer goroutine; reads may run directly against the
// shared connection since SetMaxOpenConns(1) already serializes access.
type Store struct {
	db       *sql.DB
	intents  chan writeIntent
	tg       threadgroup.ThreadGroup
	provider string
}

// Open opens (creating if necessary) the index database at path and
// starts its dedicated writer goroutine. provider is this store's active
// provider namespace (telegram.mtproto/<endpoint_id>), used
// to scope chunk_objects upserts.
func Open(path, provider string) (*Store, error) {
	db, err := openAndMigrate(path, false)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, intents: make(chan writeIntent), provider: provider}
	if err := s.tg.Add(); err != nil {
		db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

// OpenReadOnly opens an index database for restore/verify reads only; no
// writer goroutine is started. provider scopes chunk_objects lookups the
// same way it does for a writable store.
func OpenReadOnly(path, provider string) (*Store, error) {
	db, err := openAndMigrate(path, true)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, provider: provider}, nil
}

func (s *Store) writerLoop() {
	defer s.tg.Done()
	for {
		select {
		case intent := <-s.intents:
			intent.done <- s.runInTx(intent.fn)
		case <-s.tg.StopChan():
			return
		}
	}
}

func (s *Store) runInTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.AddContext(err, "index: unable to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// write submits fn to the dedicated writer goroutine and blocks for its
// result. Read-only Store handles (OpenReadOnly) have no writer goroutine
// and must never call this.
func (s *Store) write(fn func(*sql.Tx) error) error {
	if s.intents == nil {
		return errors.New("index: write attempted on a read-only store")
	}
	done := make(chan error, 1)
	select {
	case s.intents <- writeIntent{fn: fn, done: done}:
	case <-s.tg.StopChan():
		return threadgroup.ErrStopped
	}
	return <-done
}

// Close stops the writer goroutine and closes the database handle.
func (s *Store) Close() error {
	var stopErr error
	if s.intents != nil {
		stopErr = s.tg.Stop()
	}
	return errors.Compose(stopErr, s.db.Close())
}

// InsertSnapshot records a new snapshot. Snapshots are append-only
// after insert.
func (s *Store) InsertSnapshot(snap Snapshot) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO snapshots (id, source_path, label, base_snapshot, created_at_ms) VALUES (?, ?, ?, NULLIF(?, ''), ?)`,
			snap.ID, snap.SourcePath, snap.Label, snap.BaseSnapshot, snap.CreatedAtMs,
		)
		return err
	})
}

// InsertFile records a scanned file.
func (s *Store) InsertFile(f File) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO files (id, snapshot_id, path, size, mtime_ms, mode, kind) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.SnapshotID, f.Path, f.Size, f.MtimeMs, f.Mode, f.Kind,
		)
		return err
	})
}

// InsertFileChunks appends the ordered file_chunks rows for one file
// in one transaction. seq must be dense and strictly increasing within
// a file.
func (s *Store) InsertFileChunks(fcs []FileChunk) error {
	return s.write(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO file_chunks (file_id, seq, chunk_hash, offset, len) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, fc := range fcs {
			if _, err := stmt.Exec(fc.FileID, fc.Seq, fc.ChunkHash, fc.Offset, fc.Len); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertChunkIfNew inserts a chunks row if hash is not already present,
// returning whether it was newly inserted. The insert happens-before any
// upload enqueue, satisfied by the caller only enqueueing an upload
// after this returns.
func (s *Store) InsertChunkIfNew(c ChunkMeta) (inserted bool, err error) {
	err = s.write(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM chunks WHERE hash = ?`, c.Hash).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			inserted = false
			return nil
		}
		_, err := tx.Exec(
			`INSERT INTO chunks (hash, size, hash_alg, enc_alg, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			c.Hash, c.Size, c.HashAlg, c.EncAlg, c.CreatedAtMs,
		)
		if err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// ChunkObjectForActiveProvider returns the chunk_objects row for
// chunkHash under this store's active provider, if one exists.
func (s *Store) ChunkObjectForActiveProvider(chunkHash string) (objectID string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT object_id FROM chunk_objects WHERE provider = ? AND chunk_hash = ?`, s.provider, chunkHash)
	err = row.Scan(&objectID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return objectID, true, nil
}

// UpsertChunkObject records where chunkHash's encrypted bytes live on the
// active provider, replacing any existing mapping for that (provider,
// chunk_hash) pair rather than honoring a stale one: when the endpoint's
// chat changes, old object_ids no longer resolve and the chunk must be
// re-uploaded to the new location.
func (s *Store) UpsertChunkObject(chunkHash, objectID string, createdAtMs int64) error {
	return s.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM chunk_objects WHERE provider = ? AND chunk_hash = ?`, s.provider, chunkHash); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO chunk_objects (provider, object_id, chunk_hash, created_at_ms) VALUES (?, ?, ?, ?)`,
			s.provider, objectID, chunkHash, createdAtMs,
		)
		return err
	})
}

// InsertRemoteIndex records the uploaded manifest for a snapshot.
func (s *Store) InsertRemoteIndex(snapshotID, manifestObjectID string, createdAtMs int64) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO remote_indexes (snapshot_id, manifest_object_id, created_at_ms) VALUES (?, ?, ?)`,
			snapshotID, manifestObjectID, createdAtMs,
		)
		return err
	})
}

// InsertRemoteIndexParts records the manifest's per-part rows.
func (s *Store) InsertRemoteIndexParts(snapshotID string, parts []RemoteIndexPart) error {
	return s.write(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO remote_index_parts (snapshot_id, part_no, provider, object_id, size, hash) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range parts {
			if _, err := stmt.Exec(snapshotID, p.PartNo, p.Provider, p.ObjectID, p.Size, p.Hash); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoteIndexParts returns the manifest parts for a snapshot, in part
// order, for the restore read path.
func (s *Store) RemoteIndexParts(snapshotID string) ([]RemoteIndexPart, error) {
	rows, err := s.db.Query(`SELECT part_no, provider, object_id, size, hash FROM remote_index_parts WHERE snapshot_id = ? ORDER BY part_no`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []RemoteIndexPart
	for rows.Next() {
		var p RemoteIndexPart
		if err := rows.Scan(&p.PartNo, &p.Provider, &p.ObjectID, &p.Size, &p.Hash); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// FilesForSnapshot lists every file row for a snapshot, for restore/verify
// enumeration.
func (s *Store) FilesForSnapshot(snapshotID string) ([]File, error) {
	rows, err := s.db.Query(`SELECT id, snapshot_id, path, size, mtime_ms, mode, kind FROM files WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.SnapshotID, &f.Path, &f.Size, &f.MtimeMs, &f.Mode, &f.Kind); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// FileChunksForFile lists a file's chunk recipe in ascending seq order
// for reassembly.
func (s *Store) FileChunksForFile(fileID string) ([]FileChunk, error) {
	rows, err := s.db.Query(`SELECT file_id, seq, chunk_hash, offset, len FROM file_chunks WHERE file_id = ? ORDER BY seq`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fcs []FileChunk
	for rows.Next() {
		var fc FileChunk
		if err := rows.Scan(&fc.FileID, &fc.Seq, &fc.ChunkHash, &fc.Offset, &fc.Len); err != nil {
			return nil, err
		}
		fcs = append(fcs, fc)
	}
	return fcs, rows.Err()
}

// ChunkObjectAny returns any chunk_objects row for chunkHash regardless of
// provider, used during scan to distinguish "dedup hit for active
// provider" from "dedup miss, belongs to another peer".
func (s *Store) ChunkObjectAny(chunkHash string) (provider, objectID string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT provider, object_id FROM chunk_objects WHERE chunk_hash = ? LIMIT 1`, chunkHash)
	err = row.Scan(&provider, &objectID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return provider, objectID, true, nil
}

// InsertTask records a task row at phase begin.
func (s *Store) InsertTask(id, kind, state string, startedAtMs int64, snapshotID string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO tasks (id, kind, state, started_at_ms, snapshot_id) VALUES (?, ?, ?, ?, NULLIF(?, ''))`,
			id, kind, state, startedAtMs, snapshotID,
		)
		return err
	})
}

// UpdateTaskState transitions a task's state, recording an end time and
// optional error classification.
func (s *Store) UpdateTaskState(id, state string, endedAtMs int64, errCode, errMessage string) error {
	return s.write(func(tx *sql.Tx) error {
		var endedPtr interface{}
		if endedAtMs != 0 {
			endedPtr = endedAtMs
		}
		_, err := tx.Exec(
			`UPDATE tasks SET state = ?, ended_at_ms = ?, error_code = NULLIF(?, ''), error_message = NULLIF(?, '') WHERE id = ?`,
			state, endedPtr, errCode, errMessage, id,
		)
		return err
	})
}

// Provider returns this store's active provider namespace.
func (s *Store) Provider() string { return s.provider }

// Checkpoint forces SQLite to write back any WAL frames into the main
// database file before the backup engine reads dbPath off disk to upload
// it. It is
// a no-op (and returns no error) when the connection is not in WAL mode,
// since the on-disk file is already complete in that case.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// HasRemoteIndexManifest reports whether this store already has a
// remote_indexes row for manifestObjectID, used by the remote-first index
// sync preflight to decide whether the
// pinned catalog's pointer is already reflected locally.
func (s *Store) HasRemoteIndexManifest(manifestObjectID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM remote_indexes WHERE manifest_object_id = ?`, manifestObjectID).Scan(&count)
	return count > 0, err
}

// RemoteIndexManifestObjectID returns the manifest object_id recorded for
// snapshotID's remote index upload, for the restore/verify read path.
func (s *Store) RemoteIndexManifestObjectID(snapshotID string) (manifestObjectID string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT manifest_object_id FROM remote_indexes WHERE snapshot_id = ?`, snapshotID)
	err = row.Scan(&manifestObjectID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return manifestObjectID, true, nil
}

// LatestSnapshotID returns the most recently created snapshot for
// sourcePath, used to populate a new snapshot's BaseSnapshot field.
func (s *Store) LatestSnapshotID(sourcePath string) (id string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT id FROM snapshots WHERE source_path = ? ORDER BY created_at_ms DESC LIMIT 1`, sourcePath)
	err = row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// NowMs is a small helper so call sites don't each reimplement
// milliseconds-since-epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// ParseProviderChunkObject checks whether a chunk_objects object_id
// string, as recorded for some provider, resolves to the current
// endpoint's peer.
func ParseProviderChunkObject(objectID string) (storage.ObjectID, error) {
	return storage.ParseObjectID(objectID)
}
