package backupengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/televybackup/televybackup/internal/chunker"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/storage/storagetest"
)

func TestEngineRunBacksUpAndDedupes(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	store, err := index.Open(dbPath, "telegram.mtproto/test")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer store.Close()

	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "a.txt"), "hello world, this is file a")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "hello world, this is file a") // duplicate content of a.txt
	writeFile(t, filepath.Join(src, "skip.log"), "ignore me")

	sc := storagetest.NewMock()
	eng := New(Config{
		Store:      store,
		Storage:    sc,
		MasterKey:  cryptframe.GenerateKey(),
		Peer:       "peer1",
		Provider:   "telegram.mtproto/test",
		TargetID:   "t1",
		SourcePath: src,
		Label:      "test",
		Excludes:   []string{"*.log"},
		Chunking:   chunker.Params{MinBytes: 8, AvgBytes: 16, MaxBytes: 64},
		NoRemoteIndexSync: true,
		DBPath: dbPath,
	})

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", res.Status)
	}
	if res.FilesDone != 2 {
		t.Fatalf("FilesDone = %d, want 2 (skip.log excluded)", res.FilesDone)
	}
	if res.BytesDeduped == 0 {
		t.Fatalf("expected some deduped bytes from the duplicate file content")
	}

	files, err := store.FilesForSnapshot(res.SnapshotID)
	if err != nil {
		t.Fatalf("FilesForSnapshot: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}
