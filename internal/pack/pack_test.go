package pack

import (
	"bytes"
	"testing"

	"github.com/uplo-tech/fastrand"

	"github.com/televybackup/televybackup/internal/cryptframe"
)

// TestBuilderFlushParseRoundTrip checks that entries parsed from a
// flushed pack's trailer slice back to exactly the blobs that were
// appended.
func TestBuilderFlushParseRoundTrip(t *testing.T) {
	key := cryptframe.GenerateKey()

	b := NewBuilder(TargetBytes)
	var hashes [][32]byte
	var blobs [][]byte
	for i := 0; i < 5; i++ {
		var hash [32]byte
		copy(hash[:], fastrand.Bytes(32))
		blob, err := cryptframe.Seal(key, hash[:], fastrand.Bytes(100+i*7))
		if err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, hash)
		blobs = append(blobs, blob)
		b.Append(hash, blob)
	}

	doc, entries, err := b.Flush(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	parsed, err := Parse(key, doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 5 {
		t.Fatalf("expected 5 parsed entries, got %d", len(parsed))
	}
	for i, e := range parsed {
		blob, err := Slice(doc, e)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(blob, blobs[i]) {
			t.Fatalf("entry %d: sliced blob does not match original", i)
		}
		plain, err := cryptframe.Open(key, hashes[i][:], blob)
		if err != nil {
			t.Fatal(err)
		}
		if e.HashHex == "" {
			t.Fatal("expected non-empty hash hex")
		}
		_ = plain
	}
}

// TestParseTamperedBlobRegionFails checks that the trailer's derived AAD
// binds it to the exact blob bytes: corrupting a byte in the blob region
// changes the recomputed AAD and Parse must fail closed rather than
// returning a header for a different pack's content.
func TestParseTamperedBlobRegionFails(t *testing.T) {
	key := cryptframe.GenerateKey()
	b := NewBuilder(TargetBytes)
	var hash [32]byte
	copy(hash[:], fastrand.Bytes(32))
	blob, err := cryptframe.Seal(key, hash[:], fastrand.Bytes(64))
	if err != nil {
		t.Fatal(err)
	}
	b.Append(hash, blob)
	doc, _, err := b.Flush(key)
	if err != nil {
		t.Fatal(err)
	}
	doc[0] ^= 0xff
	if _, err := Parse(key, doc); err == nil {
		t.Fatal("expected parse to fail once the blob region is tampered with")
	}
}

// TestWouldOverflowEntriesCap checks that the entries cap fires
// independently of byte size, the way a flood of tiny files would.
func TestWouldOverflowEntriesCap(t *testing.T) {
	b := NewBuilder(TargetBytes)
	for i := 0; i < MaxEntriesPerPack; i++ {
		var hash [32]byte
		copy(hash[:], fastrand.Bytes(32))
		b.Append(hash, fastrand.Bytes(8))
	}
	if !b.WouldOverflow(8) {
		t.Fatal("expected overflow once entries cap is reached")
	}
}

// TestShouldSkipPacking checks the small-run packing bypass.
func TestShouldSkipPacking(t *testing.T) {
	if !ShouldSkipPacking(5, 1<<20) {
		t.Fatal("expected small run to skip packing")
	}
	if ShouldSkipPacking(EnableMinObjects+1, 1<<20) {
		t.Fatal("expected run above the object-count threshold not to skip packing")
	}
	if ShouldSkipPacking(5, skipPackingMaxBytes+1) {
		t.Fatal("expected run above the byte threshold not to skip packing")
	}
}

// TestTargetForPackDeterministic checks that the jittered target size for
// a given pack id is stable across calls and within the documented jitter
// band.
func TestTargetForPackDeterministic(t *testing.T) {
	a := TargetForPack("pack-xyz")
	b := TargetForPack("pack-xyz")
	if a != b {
		t.Fatal("expected deterministic target size for the same pack id")
	}
	if a < TargetBytes-TargetJitterBytes || a > TargetBytes+TargetJitterBytes {
		t.Fatalf("target %d outside jitter band", a)
	}
}
