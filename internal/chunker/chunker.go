// Package chunker implements content-defined chunking over a byte stream: a
// gear-hash rolling boundary that splits input into variable-sized chunks
// whose cut points are stable under local insertions and deletions,
// hashed with BLAKE3. Boundaries depend only on the bytes and the fixed
// gear table, so two machines chunking the same input always agree.
package chunker

import (
	"bufio"
	"io"

	"github.com/zeebo/blake3"

	"github.com/uplo-tech/errors"
)

// Params bounds the size of every chunk the chunker emits. The backup
// engine validates MinBytes <= AvgBytes <= MaxBytes and MaxBytes+41 <=
// EngineeredUploadMax before a Chunker is ever constructed.
type Params struct {
	MinBytes uint32
	AvgBytes uint32
	MaxBytes uint32
}

// Chunk is one content-defined slice of a stream: its plaintext bytes and
// the BLAKE3 hash of those bytes.
type Chunk struct {
	Data []byte
	Hash [32]byte
}

// gearTable is a fixed, compile-time-constant 256-entry table used to drive
// the rolling hash. It is not randomized per-install: chunk boundaries must
// be reproducible across machines and builds, which a per-install-random
// table would break.
var gearTable = buildGearTable()

// buildGearTable derives 256 pseudo-random 64-bit words from a fixed seed
// using BLAKE3 as an expansion function, rather than hand-writing a literal
// 256-entry array or reaching for math/rand (whose output is not specified
// stable across Go versions).
func buildGearTable() [256]uint64 {
	var table [256]uint64
	h := blake3.New()
	_, _ = h.Write([]byte("televybackup.chunker.gear.v1"))
	var buf [256 * 8]byte
	r := h.Digest()
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		panic(err)
	}
	for i := range table {
		off := i * 8
		var v uint64
		for b := 0; b < 8; b++ {
			v = v<<8 | uint64(buf[off+b])
		}
		table[i] = v
	}
	return table
}

// maskBits returns the number of trailing zero bits the rolling hash must
// exhibit to fire a boundary, chosen so that the expected chunk size is
// avg. Smaller masks fire more often (smaller chunks); the gear-hash
// technique keys directly off avg's bit length.
func maskBits(avg uint32) uint {
	bits := uint(0)
	for v := avg; v > 1; v >>= 1 {
		bits++
	}
	return bits
}

// Chunker splits a byte stream into content-defined chunks.
type Chunker struct {
	r      *bufio.Reader
	params Params
	mask   uint64
}

// New returns a Chunker reading from r with the given size parameters. The
// caller must have already validated params (min <= avg <= max, all
// positive).
func New(r io.Reader, params Params) *Chunker {
	bits := maskBits(params.AvgBytes)
	return &Chunker{
		r:      bufio.NewReaderSize(r, int(params.MaxBytes)),
		params: params,
		mask:   (uint64(1) << bits) - 1,
	}
}

// Next returns the next chunk in the stream, or io.EOF once the stream is
// exhausted. A zero-length input yields a single io.EOF with no chunks.
func (c *Chunker) Next() (Chunk, error) {
	buf := make([]byte, 0, c.params.AvgBytes)
	var hash uint64

	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			if len(buf) == 0 {
				return Chunk{}, io.EOF
			}
			return c.finish(buf), nil
		}
		if err != nil {
			return Chunk{}, errors.AddContext(err, "unable to read chunk input")
		}

		buf = append(buf, b)
		hash = (hash << 1) + gearTable[b]

		n := uint32(len(buf))
		if n < c.params.MinBytes {
			continue
		}
		if n >= c.params.MaxBytes {
			return c.finish(buf), nil
		}
		if hash&c.mask == 0 {
			return c.finish(buf), nil
		}
	}
}

// finish hashes buf with BLAKE3 and packages it into a Chunk.
func (c *Chunker) finish(buf []byte) Chunk {
	return Chunk{Data: buf, Hash: blake3.Sum256(buf)}
}

// All drains the chunker into a slice, for callers (tests, small inputs)
// that don't need the streaming interface.
func All(r io.Reader, params Params) ([]Chunk, error) {
	ch := New(r, params)
	var chunks []Chunk
	for {
		chunk, err := ch.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}
