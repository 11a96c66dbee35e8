package cryptframe

import (
	"bytes"
	"testing"

	"github.com/uplo-tech/fastrand"
)

// TestSealOpen checks that sealing and opening a payload round-trips for a
// variety of plaintext sizes.
func TestSealOpen(t *testing.T) {
	key := GenerateKey()
	aad := []byte("some associated data")

	for _, size := range []int{0, 1, 600, 4096} {
		plaintext := fastrand.Bytes(size)
		framed, err := Seal(key, aad, plaintext)
		if err != nil {
			t.Fatal(err)
		}
		if len(framed) != len(plaintext)+Overhead {
			t.Fatalf("expected framed length %v, got %v", len(plaintext)+Overhead, len(framed))
		}
		decrypted, err := Open(key, aad, framed)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Fatal("decrypted plaintext does not match original")
		}
	}
}

// TestOpenWrongKey checks that decrypting with the wrong key fails.
func TestOpenWrongKey(t *testing.T) {
	key := GenerateKey()
	wrongKey := GenerateKey()
	aad := []byte("aad")
	framed, err := Seal(key, aad, []byte("plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(wrongKey, aad, framed); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

// TestOpenWrongAAD checks that decrypting with the wrong associated data
// fails, exercising the chunk-hash-as-AAD binding.
func TestOpenWrongAAD(t *testing.T) {
	key := GenerateKey()
	framed, err := Seal(key, []byte("aad-one"), []byte("plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(key, []byte("aad-two"), framed); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

// TestOpenBitFlip checks that flipping a single ciphertext byte is detected.
func TestOpenBitFlip(t *testing.T) {
	key := GenerateKey()
	aad := []byte("aad")
	framed, err := Seal(key, aad, fastrand.Bytes(128))
	if err != nil {
		t.Fatal(err)
	}
	framed[len(framed)-1] ^= 0xFF
	if _, err := Open(key, aad, framed); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

// TestOpenTruncated checks that a too-short ciphertext is rejected cleanly.
func TestOpenTruncated(t *testing.T) {
	key := GenerateKey()
	if _, err := Open(key, nil, []byte{FrameVersion, 1, 2, 3}); err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

// TestDeriveKeyDeterministic checks that deriving from the same parent and
// context always yields the same child key, and that different contexts
// yield different keys.
func TestDeriveKeyDeterministic(t *testing.T) {
	parent := GenerateKey()
	a1 := DeriveKey(parent, "context-a")
	a2 := DeriveKey(parent, "context-a")
	b := DeriveKey(parent, "context-b")
	if a1 != a2 {
		t.Fatal("deriving twice with the same context should be deterministic")
	}
	if a1 == b {
		t.Fatal("deriving with different contexts should yield different keys")
	}
}
