package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/televybackup/televybackup/build"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := build.TempDir(t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(dir, "index.sqlite"), "telegram.mtproto/home")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestInsertChunkIfNewDedup checks that inserting the same chunk hash
// twice reports "not new" the second time.
func TestInsertChunkIfNewDedup(t *testing.T) {
	s := openTestStore(t)
	c := ChunkMeta{Hash: "deadbeef", Size: 1024, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAtMs: NowMs()}

	inserted, err := s.InsertChunkIfNew(c)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("expected first insert to report new")
	}

	inserted, err = s.InsertChunkIfNew(c)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("expected second insert to report not new")
	}
}

// TestUpsertChunkObjectReplacesStale checks that upserting a chunk_objects
// row for an existing (provider, chunk_hash) pair replaces the old
// object_id rather than leaving it in place.
func TestUpsertChunkObjectReplacesStale(t *testing.T) {
	s := openTestStore(t)
	c := ChunkMeta{Hash: "cafef00d", Size: 10, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAtMs: NowMs()}
	if _, err := s.InsertChunkIfNew(c); err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertChunkObject(c.Hash, "tgmtproto:v1:old", NowMs()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertChunkObject(c.Hash, "tgmtproto:v1:new", NowMs()); err != nil {
		t.Fatal(err)
	}

	oid, ok, err := s.ChunkObjectForActiveProvider(c.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || oid != "tgmtproto:v1:new" {
		t.Fatalf("expected upsert to replace stale mapping, got %q (ok=%v)", oid, ok)
	}
}

// TestFileChunksOrdering checks that file_chunks are returned in
// ascending seq order.
func TestFileChunksOrdering(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertSnapshot(Snapshot{ID: "snap1", SourcePath: "/src", Label: "l", CreatedAtMs: NowMs()}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertFile(File{ID: "file1", SnapshotID: "snap1", Path: "a.txt", Size: 30, MtimeMs: NowMs(), Kind: "file"}); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"h2", "h0", "h1"} {
		if _, err := s.InsertChunkIfNew(ChunkMeta{Hash: h, Size: 10, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAtMs: NowMs()}); err != nil {
			t.Fatal(err)
		}
	}
	fcs := []FileChunk{
		{FileID: "file1", Seq: 2, ChunkHash: "h2", Offset: 0, Len: 10},
		{FileID: "file1", Seq: 0, ChunkHash: "h0", Offset: 0, Len: 10},
		{FileID: "file1", Seq: 1, ChunkHash: "h1", Offset: 0, Len: 10},
	}
	if err := s.InsertFileChunks(fcs); err != nil {
		t.Fatal(err)
	}

	got, err := s.FileChunksForFile("file1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 file_chunks, got %d", len(got))
	}
	for i, fc := range got {
		if fc.Seq != i {
			t.Fatalf("expected seq %d at position %d, got %d", i, i, fc.Seq)
		}
	}
}

// TestTaskLifecycle checks that a task can be inserted and transitioned.
func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertTask("task1", "backup", "queued", NowMs(), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskState("task1", "finished", NowMs(), "", ""); err != nil {
		t.Fatal(err)
	}
}
