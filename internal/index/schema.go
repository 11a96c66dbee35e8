// Package index implements the per-endpoint SQLite index store:
// snapshots, files, chunks, the chunk→remote-object mapping, remote
// index manifests, and tasks, on database/sql plus
// github.com/mattn/go-sqlite3 with a single dedicated writer connection
// instead of a shared pool.
package index

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/uplo-tech/errors"
)

// schemaSQL creates every table of the index:
// schema_migrations, snapshots, files, chunks, chunk_objects (PK
// (provider, object_id); unique (provider, chunk_hash)), file_chunks,
// remote_indexes, remote_index_parts, tasks.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id             TEXT PRIMARY KEY,
	source_path    TEXT NOT NULL,
	label          TEXT NOT NULL,
	base_snapshot  TEXT,
	created_at_ms  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	snapshot_id   TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	path          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	mtime_ms      INTEGER NOT NULL,
	mode          INTEGER NOT NULL,
	kind          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS files_snapshot_idx ON files(snapshot_id);

CREATE TABLE IF NOT EXISTS chunks (
	hash        TEXT PRIMARY KEY,
	size        INTEGER NOT NULL,
	hash_alg    TEXT NOT NULL,
	enc_alg     TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunk_objects (
	provider    TEXT NOT NULL,
	object_id   TEXT NOT NULL,
	chunk_hash  TEXT NOT NULL REFERENCES chunks(hash),
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (provider, object_id),
	UNIQUE (provider, chunk_hash)
);

CREATE TABLE IF NOT EXISTS file_chunks (
	file_id    TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	chunk_hash TEXT NOT NULL REFERENCES chunks(hash),
	offset     INTEGER NOT NULL,
	len        INTEGER NOT NULL,
	PRIMARY KEY (file_id, seq)
);

CREATE TABLE IF NOT EXISTS remote_indexes (
	snapshot_id        TEXT PRIMARY KEY REFERENCES snapshots(id) ON DELETE CASCADE,
	manifest_object_id TEXT NOT NULL,
	created_at_ms      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS remote_index_parts (
	snapshot_id TEXT NOT NULL REFERENCES remote_indexes(snapshot_id) ON DELETE CASCADE,
	part_no     INTEGER NOT NULL,
	provider    TEXT NOT NULL,
	object_id   TEXT NOT NULL,
	size        INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, part_no)
);

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL,
	started_at_ms INTEGER NOT NULL,
	ended_at_ms   INTEGER,
	snapshot_id   TEXT,
	error_code    TEXT,
	error_message TEXT
);
`

// schemaVersion is the current migration level this binary expects.
const schemaVersion = 1

// openAndMigrate opens the SQLite file at path (creating it if absent)
// and ensures the schema is present, recording schemaVersion in
// schema_migrations if this is a fresh database.
func openAndMigrate(path string, readOnly bool) (*sql.DB, error) {
	// Foreign keys are off by default in SQLite; without this the ON
	// DELETE CASCADE clauses below are inert and snapshot retention would
	// orphan files/file_chunks/remote_index_parts rows.
	dsn := path + "?_foreign_keys=on"
	if readOnly {
		dsn = path + "?mode=ro&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.AddContext(err, "index: unable to open database")
	}
	// The index is owned by a single writer task; one
	// connection avoids SQLite's writer-lock contention entirely rather
	// than papering over it with busy-timeout retries.
	db.SetMaxOpenConns(1)

	if readOnly {
		return db, nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.AddContext(err, "index: unable to apply schema")
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&count); err != nil {
		db.Close()
		return nil, errors.AddContext(err, "index: unable to read schema_migrations")
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, schemaVersion); err != nil {
			db.Close()
			return nil, errors.AddContext(err, "index: unable to record schema version")
		}
	}
	return db, nil
}
