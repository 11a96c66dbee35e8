package restoreengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/televybackup/televybackup/internal/backupengine"
	"github.com/televybackup/televybackup/internal/chunker"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/storage/storagetest"
)

func backUpFixture(t *testing.T) (*index.Store, *storagetest.Mock, cryptframe.Key, string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	store, err := index.Open(dbPath, "telegram.mtproto/test")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}

	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(src, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("the quick brown fox jumps over the lazy dog, repeatedly"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(src, "a-link")); err != nil {
		t.Fatal(err)
	}

	sc := storagetest.NewMock()
	key := cryptframe.GenerateKey()
	eng := backupengine.New(backupengine.Config{
		Store:             store,
		Storage:           sc,
		MasterKey:         key,
		Peer:              "peer1",
		Provider:          "telegram.mtproto/test",
		TargetID:          "t1",
		SourcePath:        src,
		Label:             "test",
		Chunking:          chunker.Params{MinBytes: 8, AvgBytes: 16, MaxBytes: 64},
		NoRemoteIndexSync: true,
		DBPath:            dbPath,
	})
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("backup Run: %v", err)
	}
	return store, sc, key, res.SnapshotID, dir
}

func TestRestoreRoundTrip(t *testing.T) {
	store, sc, key, snapshotID, dir := backUpFixture(t)
	defer store.Close()

	eng, err := New(Config{Store: store, Storage: sc, MasterKey: key, Peer: "peer1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	destRoot := filepath.Join(dir, "restored")
	res, err := eng.Restore(context.Background(), snapshotID, destRoot)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.FilesRestored != 2 {
		t.Fatalf("FilesRestored = %d, want 2", res.FilesRestored)
	}

	got, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	want := "the quick brown fox jumps over the lazy dog, repeatedly"
	if string(got) != want {
		t.Fatalf("restored content = %q, want %q", got, want)
	}

	target, err := os.Readlink(filepath.Join(destRoot, "a-link"))
	if err != nil {
		t.Fatalf("read restored symlink: %v", err)
	}
	if target != "a.txt" {
		t.Fatalf("restored symlink target = %q, want %q", target, "a.txt")
	}
}

func TestVerifySucceedsOnIntactBackup(t *testing.T) {
	store, sc, key, snapshotID, _ := backUpFixture(t)
	defer store.Close()

	eng, err := New(Config{Store: store, Storage: sc, MasterKey: key, Peer: "peer1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := eng.Verify(context.Background(), snapshotID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.FilesVerified != 2 {
		t.Fatalf("FilesVerified = %d, want 2", res.FilesVerified)
	}
}

func TestDestinationPathRejectsEscape(t *testing.T) {
	if _, err := destinationPath("/tmp/root", "../../etc/passwd"); err == nil {
		t.Fatal("expected an error for a path escaping the target root")
	}
	if _, err := destinationPath("/tmp/root", "/etc/passwd"); err == nil {
		t.Fatal("expected an error for an absolute path")
	}
	got, err := destinationPath("/tmp/root", "a/b.txt")
	if err != nil {
		t.Fatalf("destinationPath: %v", err)
	}
	if got != "/tmp/root/a/b.txt" {
		t.Fatalf("destinationPath = %q, want /tmp/root/a/b.txt", got)
	}
}
