// Package catalog implements the bootstrap catalog subsystem: a
// per-endpoint, always-pinned remote document that lets a fresh device
// holding only the master key discover each target's latest snapshot.
// Updates are read-modify-write-pin; the pin replace is atomic, so
// concurrent writers may lose an update but never corrupt the catalog.
package catalog

import (
	"context"
	"encoding/json"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/storage"
)

// Catalog is the plaintext JSON document behind the pinned message.
type Catalog struct {
	Version   int              `json:"version"`
	UpdatedAt string           `json:"updated_at"`
	Targets   []TargetEntry    `json:"targets"`
}

// TargetEntry is one target's pointer within the catalog.
type TargetEntry struct {
	TargetID   string `json:"target_id"`
	SourcePath string `json:"source_path"`
	Label      string `json:"label"`
	Latest     Latest `json:"latest"`
}

// Latest identifies a target's most recent snapshot.
type Latest struct {
	SnapshotID       string `json:"snapshot_id"`
	ManifestObjectID string `json:"manifest_object_id"`
}

// Fetch downloads and decrypts the pinned catalog for peer, if any.
// "No pinned message" is not an error: ok=false signals "no
// catalog yet," not a failure. A present-but-undecryptable catalog
// returns bootstrap.decrypt_failed and must never be overwritten by the
// caller.
func Fetch(ctx context.Context, sc storage.Capability, peer string, masterKey cryptframe.Key) (cat Catalog, ok bool, err error) {
	oid, found, err := sc.GetPinnedObjectID(ctx, peer)
	if err != nil {
		return Catalog{}, false, errtaxonomy.Wrap(errtaxonomy.CodeBootstrapMissing, err)
	}
	if !found {
		return Catalog{}, false, nil
	}

	raw, err := sc.DownloadDocument(ctx, oid)
	if err != nil {
		return Catalog{}, false, errtaxonomy.Wrap(errtaxonomy.CodeBootstrapMissing, err)
	}
	plain, err := cryptframe.Open(masterKey, []byte(cryptframe.AADBootstrapCatalog), raw)
	if err != nil {
		return Catalog{}, false, errtaxonomy.New(errtaxonomy.CodeBootstrapDecryptFailed, false, "bootstrap catalog: %v", err)
	}
	if err := json.Unmarshal(plain, &cat); err != nil {
		return Catalog{}, false, errtaxonomy.New(errtaxonomy.CodeBootstrapInvalid, false, "bootstrap catalog: %v", err)
	}
	return cat, true, nil
}

// Publish encrypts cat and replaces peer's pinned message with it.
// If pinning is denied,
// the caller receives bootstrap.forbidden and decides whether that is
// fatal for the current operation (a pin failure does not fail an
// otherwise-successful backup).
func Publish(ctx context.Context, sc storage.Capability, peer string, masterKey cryptframe.Key, cat Catalog) error {
	plain, err := json.Marshal(cat)
	if err != nil {
		return errtaxonomy.Wrap(errtaxonomy.CodeBootstrapInvalid, err)
	}
	framed, err := cryptframe.Seal(masterKey, []byte(cryptframe.AADBootstrapCatalog), plain)
	if err != nil {
		return errtaxonomy.New(errtaxonomy.CodeCrypto, false, "bootstrap catalog: %v", err)
	}
	oid, err := sc.UploadDocument(ctx, peer, framed, nil)
	if err != nil {
		return errtaxonomy.Wrap(errtaxonomy.CodeBootstrapMissing, err)
	}
	if err := sc.SetPinnedObjectID(ctx, peer, oid); err != nil {
		if errors.Contains(err, storage.ErrPinForbidden) {
			return errtaxonomy.New(errtaxonomy.CodeBootstrapForbidden, false, "bot lacks permission to pin in this chat")
		}
		return errtaxonomy.Wrap(errtaxonomy.CodeBootstrapMissing, err)
	}
	return nil
}

// WithUpdatedTarget returns a copy of cat with targetID's latest pointer
// set (inserting a new target entry if targetID is not yet present).
func WithUpdatedTarget(cat Catalog, targetID, sourcePath, label, snapshotID, manifestObjectID, updatedAt string) Catalog {
	next := Catalog{Version: 1, UpdatedAt: updatedAt}
	found := false
	for _, t := range cat.Targets {
		if t.TargetID == targetID {
			t.SourcePath = sourcePath
			t.Label = label
			t.Latest = Latest{SnapshotID: snapshotID, ManifestObjectID: manifestObjectID}
			found = true
		}
		next.Targets = append(next.Targets, t)
	}
	if !found {
		next.Targets = append(next.Targets, TargetEntry{
			TargetID:   targetID,
			SourcePath: sourcePath,
			Label:      label,
			Latest:     Latest{SnapshotID: snapshotID, ManifestObjectID: manifestObjectID},
		})
	}
	return next
}

// LookupTarget returns the target entry for targetID, if present.
func LookupTarget(cat Catalog, targetID string) (TargetEntry, bool) {
	for _, t := range cat.Targets {
		if t.TargetID == targetID {
			return t, true
		}
	}
	return TargetEntry{}, false
}
