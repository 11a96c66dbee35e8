package index

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/storage"
)

// maxPartPlaintextBytes bounds each uploaded part so that part+41 stays
// well under EngineeredUploadMax.
const maxPartPlaintextBytes = 45 << 20

// manifestAADPrefix binds a remote index part/manifest's AEAD framing to
// the snapshot it belongs to.
const manifestAADPrefix = "televy.remote_index.v1."

// Manifest is the plaintext listing of a snapshot's uploaded DB parts,
// itself AEAD-framed and uploaded as the snapshot's manifest_object_id.
type Manifest struct {
	SnapshotID string           `json:"snapshot_id"`
	Parts      []ManifestPartRef `json:"parts"`
}

// ManifestPartRef is one entry of Manifest.Parts.
type ManifestPartRef struct {
	PartNo   int    `json:"part_no"`
	ObjectID string `json:"object_id"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
}

// UploadSnapshot compresses (Zstd), splits into parts, AEAD-frames, and
// uploads the entire SQLite file at dbPath. It
// returns the manifest's object_id (to be recorded as the snapshot's
// RemoteIndex) and the per-part records the caller persists as
// remote_index_parts rows.
func UploadSnapshot(ctx context.Context, sc storage.Capability, peer string, key cryptframe.Key, snapshotID, dbPath string) (string, []ManifestPartRef, error) {
	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return "", nil, errors.AddContext(err, "index: unable to read database file for upload")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", nil, errors.AddContext(err, "index: unable to construct zstd encoder")
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	var parts []ManifestPartRef
	for partNo, off := 0, 0; off < len(compressed); partNo, off = partNo+1, off+maxPartPlaintextBytes {
		end := off + maxPartPlaintextBytes
		if end > len(compressed) {
			end = len(compressed)
		}
		plain := compressed[off:end]

		sum := sha256.Sum256(plain)
		hashHex := hex.EncodeToString(sum[:])
		aad := []byte(manifestAADPrefix + snapshotID)
		framed, err := cryptframe.Seal(key, aad, plain)
		if err != nil {
			return "", nil, errors.AddContext(err, "index: unable to seal database part")
		}

		oid, err := sc.UploadDocument(ctx, peer, framed, nil)
		if err != nil {
			return "", nil, errors.AddContext(err, "index: unable to upload database part")
		}
		parts = append(parts, ManifestPartRef{PartNo: partNo, ObjectID: oid.String(), Size: int64(len(plain)), Hash: hashHex})
	}

	manifestPlain, err := marshalManifest(Manifest{SnapshotID: snapshotID, Parts: parts})
	if err != nil {
		return "", nil, err
	}
	manifestFramed, err := cryptframe.Seal(key, []byte(manifestAADPrefix+snapshotID), manifestPlain)
	if err != nil {
		return "", nil, errors.AddContext(err, "index: unable to seal manifest")
	}
	manifestOID, err := sc.UploadDocument(ctx, peer, manifestFramed, nil)
	if err != nil {
		return "", nil, errors.AddContext(err, "index: unable to upload manifest")
	}
	return manifestOID.String(), parts, nil
}

// fetchManifest downloads and decrypts the manifest document for a
// snapshot.
func fetchManifest(ctx context.Context, sc storage.Capability, key cryptframe.Key, manifestObjectID, snapshotID string) (Manifest, error) {
	manifestOID, err := storage.ParseObjectID(manifestObjectID)
	if err != nil {
		return Manifest{}, errors.AddContext(err, "index: malformed manifest object_id")
	}
	manifestFramed, err := sc.DownloadDocument(ctx, manifestOID)
	if err != nil {
		return Manifest{}, errors.AddContext(err, "index: unable to download manifest")
	}
	manifestPlain, err := cryptframe.Open(key, []byte(manifestAADPrefix+snapshotID), manifestFramed)
	if err != nil {
		return Manifest{}, errors.AddContext(err, "index: manifest decrypt failed")
	}
	return unmarshalManifest(manifestPlain)
}

// fetchAndVerifyParts downloads every part named by manifest, decrypts
// each, and checks its plaintext hash against the manifest's recorded
// hash, returning the concatenated compressed database bytes.
func fetchAndVerifyParts(ctx context.Context, sc storage.Capability, key cryptframe.Key, snapshotID string, manifest Manifest) ([]byte, error) {
	var compressed bytes.Buffer
	for _, part := range manifest.Parts {
		oid, err := storage.ParseObjectID(part.ObjectID)
		if err != nil {
			return nil, errors.AddContext(err, "index: malformed part object_id")
		}
		framed, err := sc.DownloadDocument(ctx, oid)
		if err != nil {
			return nil, errors.AddContext(err, "index: unable to download database part")
		}
		plain, err := cryptframe.Open(key, []byte(manifestAADPrefix+snapshotID), framed)
		if err != nil {
			return nil, errors.AddContext(err, "index: database part decrypt failed")
		}
		sum := sha256.Sum256(plain)
		if hex.EncodeToString(sum[:]) != part.Hash {
			return nil, errors.New("index: database part hash mismatch")
		}
		compressed.Write(plain)
	}
	return compressed.Bytes(), nil
}

// DownloadSnapshot reverses UploadSnapshot: fetch manifest, fetch and
// verify each part, decrypt, concatenate, decompress, and write the
// assembled SQLite bytes to destPath.
func DownloadSnapshot(ctx context.Context, sc storage.Capability, key cryptframe.Key, manifestObjectID, snapshotID, destPath string) error {
	manifest, err := fetchManifest(ctx, sc, key, manifestObjectID, snapshotID)
	if err != nil {
		return err
	}
	compressed, err := fetchAndVerifyParts(ctx, sc, key, snapshotID, manifest)
	if err != nil {
		return err
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return errors.AddContext(err, "index: unable to construct zstd decoder")
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return errors.AddContext(err, "index: unable to decompress database")
	}

	tmp := destPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errors.AddContext(err, "index: unable to write database")
	}
	return os.Rename(tmp, destPath)
}

// VerifyManifest validates a snapshot's remote index without
// reconstructing the database: every part must be downloadable, decrypt
// successfully, and match its recorded hash. It returns the
// number of parts the manifest declares so the caller can compare it
// against what it expected.
func VerifyManifest(ctx context.Context, sc storage.Capability, key cryptframe.Key, manifestObjectID, snapshotID string) (int, error) {
	manifest, err := fetchManifest(ctx, sc, key, manifestObjectID, snapshotID)
	if err != nil {
		return 0, err
	}
	if _, err := fetchAndVerifyParts(ctx, sc, key, snapshotID, manifest); err != nil {
		return 0, err
	}
	return len(manifest.Parts), nil
}
