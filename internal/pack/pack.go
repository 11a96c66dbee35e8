// Package pack implements greedy bin-packing of AEAD-framed chunk blobs
// into larger aggregate remote objects, with an encrypted binary trailer
// indexing each blob's offset and length. Aggregation collapses many
// small uploads into few large ones, which is what keeps the remote call
// rate survivable for many-small-files workloads.
package pack

import (
	"encoding/binary"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/storage"
)

// Frozen packing constants.
const (
	EnableMinObjects    = 10
	TargetBytes         = 64 << 20
	TargetJitterBytes   = 8 << 20
	MaxBytes            = 128 << 20 // EngineeredUploadMax
	MaxEntriesPerPack   = 32
	skipPackingMaxBytes = 32 << 20
)

// Entry is one chunk blob's location within a pack document, as recorded
// in the pack_header.json entries array.
type Entry struct {
	ChunkHash [32]byte `json:"-"`
	HashHex   string   `json:"chunk_hash"`
	Offset    int64    `json:"offset"`
	Len       int64    `json:"len"`
}

// header is the plaintext pack_header.json shape.
type header struct {
	Version int     `json:"version"`
	HashAlg string  `json:"hash_alg"`
	EncAlg  string  `json:"enc_alg"`
	Entries []Entry `json:"entries"`
}

// Builder accumulates AEAD-framed chunk blobs into a single pack document
// until a flush condition fires. It owns its buffer exclusively;
// ownership transfers to the caller via Flush.
type Builder struct {
	buf     []byte
	entries []Entry
	target  int64
}

// NewBuilder starts an empty pack targeted at targetBytes (normally
// TargetBytes jittered per TargetForPack).
func NewBuilder(targetBytes int64) *Builder {
	return &Builder{target: targetBytes}
}

// Len returns the number of bytes currently buffered.
func (b *Builder) Len() int64 { return int64(len(b.buf)) }

// Entries returns the number of blobs currently buffered.
func (b *Builder) Entries() int { return len(b.entries) }

// WouldOverflow reports whether appending a blob of blobLen bytes would
// either exceed the pack's target budget or exhaust the entry cap.
func (b *Builder) WouldOverflow(blobLen int64) bool {
	if len(b.entries) >= MaxEntriesPerPack {
		return true
	}
	return b.Len()+blobLen > b.target
}

// Append adds a finalized, AEAD-framed chunk blob to the pack, recording
// its offset/length under chunkHash.
func (b *Builder) Append(chunkHash [32]byte, blob []byte) {
	off := b.Len()
	b.buf = append(b.buf, blob...)
	b.entries = append(b.entries, Entry{
		ChunkHash: chunkHash,
		HashHex:   hex(chunkHash),
		Offset:    off,
		Len:       int64(len(blob)),
	})
}

// Flush seals the accumulated blobs with an AEAD-framed trailer and
// returns the complete pack document bytes along with the entries it
// contains. The trailer's AAD is the pack's identifier, so a header
// cannot be swapped onto another pack's blobs; that identifier is realized
// here as the BLAKE3 hash of the blob region (everything before the
// trailer) rather than an externally-assigned id, because the blob region
// is exactly what Parse can recompute from the plaintext length prefix
// before it has decrypted anything. No separate identifier needs to
// survive the round trip to storage.
func (b *Builder) Flush(key cryptframe.Key) ([]byte, []Entry, error) {
	h := header{Version: 1, HashAlg: "blake3", EncAlg: "xchacha20poly1305", Entries: b.entries}
	plain, err := json.Marshal(h)
	if err != nil {
		return nil, nil, errors.AddContext(err, "pack: unable to marshal header")
	}
	aad := blake3.Sum256(b.buf)
	framedHeader, err := cryptframe.Seal(key, aad[:], plain)
	if err != nil {
		return nil, nil, errors.AddContext(err, "pack: unable to seal header")
	}

	out := make([]byte, 0, len(b.buf)+len(framedHeader)+4)
	out = append(out, b.buf...)
	out = append(out, framedHeader...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(framedHeader)))
	out = append(out, lenBuf[:]...)

	return out, b.entries, nil
}

// ErrTrailerTooShort is returned by Parse when the document is too small
// to contain even an empty trailer.
var ErrTrailerTooShort = errors.New("pack: document shorter than trailer length prefix")

// Parse reads a pack document's trailer and returns its entries, verifying
// the header's AEAD framing under the blob region's BLAKE3 hash (see
// Flush for why the AAD is derived rather than supplied).
func Parse(key cryptframe.Key, doc []byte) ([]Entry, error) {
	if len(doc) < 4 {
		return nil, ErrTrailerTooShort
	}
	headerLen := binary.LittleEndian.Uint32(doc[len(doc)-4:])
	if uint64(headerLen) > uint64(len(doc)-4) {
		return nil, ErrTrailerTooShort
	}
	blobRegion := doc[:len(doc)-4-int(headerLen)]
	framedHeader := doc[len(doc)-4-int(headerLen) : len(doc)-4]

	aad := blake3.Sum256(blobRegion)
	plain, err := cryptframe.Open(key, aad[:], framedHeader)
	if err != nil {
		return nil, errors.AddContext(err, "pack: trailer decrypt failed")
	}
	var h header
	if err := json.Unmarshal(plain, &h); err != nil {
		return nil, errors.AddContext(err, "pack: malformed header json")
	}
	return h.Entries, nil
}

// Slice extracts the blob for entry e from a downloaded pack document.
func Slice(doc []byte, e Entry) ([]byte, error) {
	if e.Offset < 0 || e.Len < 0 || e.Offset+e.Len > int64(len(doc)) {
		return nil, errors.New("pack: entry range out of bounds")
	}
	return doc[e.Offset : e.Offset+e.Len], nil
}

// TargetForPack derives this pack's jittered target size deterministically
// from its identifier via BLAKE3, rather than fastrand, so that uploads
// avoid regular sizes and replaying the same pack id always yields the same
// target during tests.
func TargetForPack(packID string) int64 {
	sum := blake3.Sum256([]byte(packID))
	// Use the first 8 bytes as a uniform value in [0, 2*jitter), centered
	// on TargetBytes - jitter.
	var v uint64
	for _, b := range sum[:8] {
		v = v<<8 | uint64(b)
	}
	span := uint64(2 * TargetJitterBytes)
	offset := int64(v % span)
	return TargetBytes - TargetJitterBytes + offset
}

// ShouldSkipPacking reports whether a run's pending objects are few and
// small enough to upload directly rather than packing at all: fewer than
// EnableMinObjects pending objects totalling at most 32 MiB.
func ShouldSkipPacking(pendingObjects int, pendingBytes int64) bool {
	return pendingObjects < EnableMinObjects && pendingBytes <= skipPackingMaxBytes
}

func hex(h [32]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}

// ObjectIDForEntry builds the chunk_objects object_id for an entry stored
// within a pack at packObjectID.
func ObjectIDForEntry(packObjectID storage.ObjectID, e Entry) storage.ObjectID {
	return storage.NewPackReference(packObjectID, e.Offset, e.Len)
}
