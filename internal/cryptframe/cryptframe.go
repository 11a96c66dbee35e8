// Package cryptframe implements the uniform AEAD envelope used for every
// byte that leaves the local machine: a version byte, a 24-byte random
// nonce, and XChaCha20-Poly1305 ciphertext-with-tag. A single algorithm
// serves every call site; the framing's version byte leaves room to change
// that without breaking old payloads.
package cryptframe

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// FrameVersion is the single byte prefixed to every framed payload.
	FrameVersion byte = 0x01

	// NonceSize is the size of the random nonce used by XChaCha20-Poly1305.
	NonceSize = 24

	// TagSize is the size of the Poly1305 authentication tag appended to
	// the ciphertext.
	TagSize = 16

	// Overhead is the fixed number of extra bytes every framed payload
	// carries over its plaintext: 1 (version) + 24 (nonce) + 16 (tag).
	Overhead = 1 + NonceSize + TagSize

	// KeySize is the size in bytes of every key used by this package.
	KeySize = 32
)

// Well-known AAD strings for call sites whose associated data is a fixed
// constant rather than something derived per-message.
const (
	AADBootstrapCatalog    = "televy.bootstrap.catalog.v1"
	AADSecretsStore        = "televybackup.secrets.v1"
	AADConfigBundleGoldKey = "televy.config.bundle.v2.gold_key"
	AADConfigBundlePayload = "televy.config.bundle.v2.payload"
)

// ErrBadFrame is returned when a byte slice is too short to contain a valid
// frame (version byte + nonce).
var ErrBadFrame = errors.New("ciphertext is shorter than the frame header")

// ErrDecryptFailed wraps any AEAD Open failure: wrong key, wrong AAD, or a
// bit-flipped ciphertext. Always fatal and non-retryable.
var ErrDecryptFailed = errors.New("crypto: decrypt failed (wrong key, wrong associated data, or corrupted ciphertext)")

// ErrUnsupportedVersion is returned when the frame's version byte is not
// FrameVersion.
var ErrUnsupportedVersion = errors.New("crypto: unsupported frame version")

// Key is a 32-byte symmetric key used for every AEAD operation in
// televybackup: the master key itself, or any key derived from it.
type Key [KeySize]byte

// DeriveKey derives a child key from a parent key and a textual context
// using HKDF-SHA256. Each call site (chunks, pack trailers, remote index
// parts, bootstrap catalog, secrets, config bundle) uses a
// distinct context string so that compromising one derived key does not
// expose the others or the parent.
func DeriveKey(parent Key, context string) Key {
	r := hkdf.New(sha256.New, parent[:], nil, []byte(context))
	var child Key
	if _, err := io.ReadFull(r, child[:]); err != nil {
		// hkdf.New's Reader only fails once its expansion limit is
		// exceeded, which cannot happen extracting 32 bytes.
		panic(err)
	}
	return child
}

// Seal frames plaintext under key with the given associated data, producing
// version || nonce || ciphertext || tag.
func Seal(key Key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct AEAD cipher")
	}
	nonce := fastrand.Bytes(NonceSize)
	out := make([]byte, 0, Overhead+len(plaintext))
	out = append(out, FrameVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open decrypts a frame produced by Seal, verifying it was produced under
// key with the same associated data. Any failure (wrong key, wrong AAD,
// truncated or corrupted ciphertext) returns ErrDecryptFailed.
func Open(key Key, aad, framed []byte) ([]byte, error) {
	if len(framed) < 1+NonceSize {
		return nil, ErrBadFrame
	}
	if framed[0] != FrameVersion {
		return nil, ErrUnsupportedVersion
	}
	nonce := framed[1 : 1+NonceSize]
	ciphertext := framed[1+NonceSize:]

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct AEAD cipher")
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// GenerateKey returns a fresh random 32-byte key, e.g. for a new master key
// or vault key.
func GenerateKey() Key {
	var k Key
	copy(k[:], fastrand.Bytes(KeySize))
	return k
}

// masterKeyPrefix is the human-portable master-key string prefix.
const masterKeyPrefix = "TBK1:"

// String renders key as its portable "TBK1:<base64url_no_pad>" form.
func (k Key) String() string {
	return masterKeyPrefix + base64.RawURLEncoding.EncodeToString(k[:])
}

// ParseKeyString parses a "TBK1:<base64url_no_pad>" master-key string.
func ParseKeyString(s string) (Key, error) {
	if !strings.HasPrefix(s, masterKeyPrefix) {
		return Key{}, errors.New("crypto: master key string missing TBK1: prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, masterKeyPrefix))
	if err != nil {
		return Key{}, errors.AddContext(err, "crypto: malformed master key string")
	}
	if len(raw) != KeySize {
		return Key{}, errors.New("crypto: master key string has the wrong length")
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}
