// Package secrets implements the local secrets store: an AEAD-framed
// JSON blob holding the master key, per-endpoint bot tokens, and MTProto
// credentials, protected by a vault key that lives either in the OS
// keychain or (when the keychain is disabled) a local file. On-disk
// state is written temp-then-rename so a crash never leaves a torn
// store.
package secrets

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/build"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
)

// MasterKeyEntry is the well-known secrets-store key under which the
// portable master key is held.
const MasterKeyEntry = "televybackup.master_key"

// storeFilename is the on-disk name of the secrets store within
// the config directory.
const storeFilename = "secrets.enc"

// vaultKeyFilename is the on-disk name of the fallback vault key file,
// used only when the keychain is disabled.
const vaultKeyFilename = "vault.key"

// plaintextStore is the decrypted JSON shape of secrets.enc.
type plaintextStore struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// Provider is the vault-key capability the engines depend on.
// KeychainProvider and FileProvider below implement it for the two
// storage modes.
type Provider interface {
	// VaultKey returns the 32-byte key protecting the secrets store.
	VaultKey() (cryptframe.Key, error)
}

// Store is the secrets store itself: an AEAD-framed JSON document at
// $CONFIG_DIR/secrets.enc.
type Store struct {
	configDir string
	vault     Provider
}

// Open returns a Store rooted at configDir, authenticated by vault.
func Open(configDir string, vault Provider) *Store {
	return &Store{configDir: configDir, vault: vault}
}

func (s *Store) path() string {
	return filepath.Join(s.configDir, storeFilename)
}

// Load decrypts and parses the secrets store. A missing file is treated as
// an empty store (first run).
func (s *Store) load() (plaintextStore, error) {
	raw, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return plaintextStore{Version: 1, Entries: map[string]string{}}, nil
	}
	if err != nil {
		return plaintextStore{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsVaultUnavailable, err)
	}

	key, err := s.vault.VaultKey()
	if err != nil {
		return plaintextStore{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsVaultUnavailable, err)
	}
	plain, err := cryptframe.Open(key, []byte(cryptframe.AADSecretsStore), raw)
	if err != nil {
		return plaintextStore{}, errtaxonomy.New(errtaxonomy.CodeCrypto, false, "secrets store: %v", err)
	}

	var ps plaintextStore
	if err := json.Unmarshal(plain, &ps); err != nil {
		return plaintextStore{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsStoreFailed, err)
	}
	if ps.Entries == nil {
		ps.Entries = map[string]string{}
	}
	return ps, nil
}

// save encrypts and atomically writes ps to disk (write-temp-then-rename,
// matching persist's atomic-replace convention).
func (s *Store) save(ps plaintextStore) error {
	key, err := s.vault.VaultKey()
	if err != nil {
		return errtaxonomy.Wrap(errtaxonomy.CodeSecretsVaultUnavailable, err)
	}
	plain, err := json.Marshal(ps)
	if err != nil {
		return errtaxonomy.Wrap(errtaxonomy.CodeSecretsStoreFailed, err)
	}
	framed, err := cryptframe.Seal(key, []byte(cryptframe.AADSecretsStore), plain)
	if err != nil {
		return errtaxonomy.New(errtaxonomy.CodeCrypto, false, "secrets store: %v", err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, framed, 0600); err != nil {
		return errtaxonomy.Wrap(errtaxonomy.CodeSecretsStoreFailed, err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return errtaxonomy.Wrap(errtaxonomy.CodeSecretsStoreFailed, err)
	}
	return nil
}

// Get returns the value stored under key, and whether it was present.
func (s *Store) Get(key string) (string, bool, error) {
	ps, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := ps.Entries[key]
	return v, ok, nil
}

// Set writes value under key, creating the store if it does not exist.
func (s *Store) Set(key, value string) error {
	ps, err := s.load()
	if err != nil {
		return err
	}
	ps.Entries[key] = value
	return s.save(ps)
}

// MasterKey returns the active master key from the store.
func (s *Store) MasterKey() (cryptframe.Key, error) {
	v, ok, err := s.Get(MasterKeyEntry)
	if err != nil {
		return cryptframe.Key{}, err
	}
	if !ok {
		return cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeSecretsStoreFailed, false, "no master key present; run bootstrap first")
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(raw) != cryptframe.KeySize {
		return cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeSecretsStoreFailed, false, "stored master key is malformed")
	}
	var k cryptframe.Key
	copy(k[:], raw)
	return k, nil
}

// SetMasterKey stores a new master key, generating one first via
// cryptframe.GenerateKey if none is supplied by the caller.
func (s *Store) SetMasterKey(key cryptframe.Key) error {
	return s.Set(MasterKeyEntry, base64.StdEncoding.EncodeToString(key[:]))
}

// FileProvider implements Provider by reading/creating a local vault.key
// file, used when DISABLE_KEYCHAIN is set.
type FileProvider struct {
	configDir string
}

// NewFileProvider returns a Provider backed by $CONFIG_DIR/vault.key.
func NewFileProvider(configDir string) *FileProvider {
	return &FileProvider{configDir: configDir}
}

func (f *FileProvider) path() string {
	return filepath.Join(f.configDir, vaultKeyFilename)
}

// VaultKey returns the vault key, generating and persisting one on first
// use.
func (f *FileProvider) VaultKey() (cryptframe.Key, error) {
	raw, err := os.ReadFile(f.path())
	if os.IsNotExist(err) {
		key := cryptframe.GenerateKey()
		encoded := []byte(base64.StdEncoding.EncodeToString(key[:]))
		if err := os.MkdirAll(f.configDir, 0700); err != nil {
			return cryptframe.Key{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsVaultUnavailable, err)
		}
		if err := os.WriteFile(f.path(), encoded, 0600); err != nil {
			return cryptframe.Key{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsVaultUnavailable, err)
		}
		return key, nil
	}
	if err != nil {
		return cryptframe.Key{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsVaultUnavailable, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil || len(decoded) != cryptframe.KeySize {
		return cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeSecretsVaultUnavailable, false, "vault.key is malformed")
	}
	var k cryptframe.Key
	copy(k[:], decoded)
	return k, nil
}

// KeychainProvider implements Provider via the OS keychain. The actual
// keychain call belongs to the platform packaging; this type documents
// the seam and returns a clear error until a platform-specific build tag
// supplies the real implementation.
type KeychainProvider struct{}

// NewProvider returns the keychain-backed Provider unless
// build.KeychainDisabled() is set, in which case it returns a
// FileProvider rooted at configDir.
func NewProvider(configDir string) Provider {
	if build.KeychainDisabled() {
		return NewFileProvider(configDir)
	}
	return &KeychainProvider{}
}

// VaultKey is unimplemented on this platform build; a real deployment
// supplies a platform-specific keychain binding.
func (KeychainProvider) VaultKey() (cryptframe.Key, error) {
	return cryptframe.Key{}, errors.New("secrets: OS keychain integration is not wired into this build; set DISABLE_KEYCHAIN=1")
}
