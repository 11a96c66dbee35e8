package chunker

import (
	"bytes"
	"io"
	"testing"

	"github.com/uplo-tech/fastrand"
)

func testParams() Params {
	return Params{MinBytes: 256, AvgBytes: 1024, MaxBytes: 4096}
}

// TestChunkerReassembles checks that concatenating the chunks returned for
// a random input reproduces the original bytes exactly.
func TestChunkerReassembles(t *testing.T) {
	data := fastrand.Bytes(50_000)
	chunks, err := All(bytes.NewReader(data), testParams())
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	for _, c := range chunks {
		out.Write(c.Data)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("reassembled data does not match original")
	}
}

// TestChunkerBounds checks that every chunk but the last respects
// MinBytes/MaxBytes.
func TestChunkerBounds(t *testing.T) {
	params := testParams()
	data := fastrand.Bytes(200_000)
	chunks, err := All(bytes.NewReader(data), params)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range chunks {
		n := uint32(len(c.Data))
		if n > params.MaxBytes {
			t.Fatalf("chunk %d exceeds MaxBytes: %d > %d", i, n, params.MaxBytes)
		}
		if i != len(chunks)-1 && n < params.MinBytes {
			t.Fatalf("non-final chunk %d below MinBytes: %d < %d", i, n, params.MinBytes)
		}
	}
}

// TestChunkerSmallInput checks that an input shorter than MinBytes still
// produces a single chunk at EOF.
func TestChunkerSmallInput(t *testing.T) {
	data := fastrand.Bytes(10)
	chunks, err := All(bytes.NewReader(data), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0].Data, data) {
		t.Fatal("single chunk does not match input")
	}
}

// TestChunkerEmptyInput checks that an empty stream yields zero chunks.
func TestChunkerEmptyInput(t *testing.T) {
	chunks, err := All(bytes.NewReader(nil), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected 0 chunks, got %d", len(chunks))
	}
}

// TestChunkerDeterministic checks that chunking the same input twice
// produces identical boundaries and hashes.
func TestChunkerDeterministic(t *testing.T) {
	data := fastrand.Bytes(80_000)
	a, err := All(bytes.NewReader(data), testParams())
	if err != nil {
		t.Fatal(err)
	}
	b, err := All(bytes.NewReader(data), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Hash != b[i].Hash {
			t.Fatalf("chunk %d hash differs between runs", i)
		}
	}
}

// TestChunkerStableUnderInsertion checks the defining CDC property: inserting
// bytes near the start of a large input only perturbs chunk boundaries in
// the vicinity of the insertion, leaving the tail's hashes unchanged.
func TestChunkerStableUnderInsertion(t *testing.T) {
	original := fastrand.Bytes(200_000)
	insertion := fastrand.Bytes(777)
	modified := append(append(append([]byte{}, original[:50_000]...), insertion...), original[50_000:]...)

	a, err := All(bytes.NewReader(original), testParams())
	if err != nil {
		t.Fatal(err)
	}
	b, err := All(bytes.NewReader(modified), testParams())
	if err != nil {
		t.Fatal(err)
	}

	tailA := a[len(a)-1].Hash
	tailB := b[len(b)-1].Hash
	if tailA != tailB {
		t.Fatal("expected final chunk to resynchronize after a local insertion")
	}
}

// TestNextAfterEOF checks that calling Next again after EOF keeps
// returning io.EOF rather than panicking or looping.
func TestNextAfterEOF(t *testing.T) {
	c := New(bytes.NewReader(nil), testParams())
	for i := 0; i < 3; i++ {
		if _, err := c.Next(); err != io.EOF {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	}
}
