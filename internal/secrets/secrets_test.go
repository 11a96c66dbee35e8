package secrets

import (
	"testing"

	"github.com/televybackup/televybackup/build"
	"github.com/televybackup/televybackup/internal/cryptframe"
)

func testDir(t *testing.T) string {
	t.Helper()
	dir := build.TempDir(t.Name())
	return dir
}

// TestSetGetRoundTrip checks that a value written with Set is read back
// identically by Get, through a full encrypt/decrypt cycle.
func TestSetGetRoundTrip(t *testing.T) {
	dir := testDir(t)
	store := Open(dir, NewFileProvider(dir))

	if err := store.Set("telegram.bot_token.primary", "abc123"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := store.Get("telegram.bot_token.primary")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "abc123" {
		t.Fatalf("expected abc123, got %q (ok=%v)", v, ok)
	}
}

// TestMasterKeyRoundTrip checks that SetMasterKey/MasterKey round-trip a
// generated key.
func TestMasterKeyRoundTrip(t *testing.T) {
	dir := testDir(t)
	store := Open(dir, NewFileProvider(dir))

	key := cryptframe.GenerateKey()
	if err := store.SetMasterKey(key); err != nil {
		t.Fatal(err)
	}
	got, err := store.MasterKey()
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Fatal("recovered master key does not match original")
	}
}

// TestMasterKeyMissing checks that requesting a master key before one is
// set returns an error rather than a zero key.
func TestMasterKeyMissing(t *testing.T) {
	dir := testDir(t)
	store := Open(dir, NewFileProvider(dir))

	if _, err := store.MasterKey(); err == nil {
		t.Fatal("expected error for missing master key")
	}
}

// TestFileProviderPersistsVaultKey checks that the vault key generated on
// first use is stable across Store instances.
func TestFileProviderPersistsVaultKey(t *testing.T) {
	dir := testDir(t)
	p := NewFileProvider(dir)
	k1, err := p.VaultKey()
	if err != nil {
		t.Fatal(err)
	}
	p2 := NewFileProvider(dir)
	k2, err := p2.VaultKey()
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatal("vault key should persist across provider instances")
	}
}
