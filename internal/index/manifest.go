package index

import (
	"bytes"
	"encoding/json"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/persist"
)

// manifestMetadata is the fixed binary header prepended to the manifest
// plaintext before it is AEAD-framed, so a decrypted manifest from a
// future schema generation is rejected up front instead of half-parsed.
var manifestMetadata = persist.FixedMetadata{
	Header:  persist.NewSpecifier("tvb-manifest"),
	Version: persist.MetadataVersionv1,
}

// marshalManifest renders a manifest as header || json.
func marshalManifest(m Manifest) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.AddContext(err, "index: unable to marshal manifest")
	}
	return append(encoding.Marshal(manifestMetadata), body...), nil
}

// unmarshalManifest verifies the metadata header and parses the json body.
func unmarshalManifest(b []byte) (Manifest, error) {
	r := bytes.NewReader(b)
	if _, err := persist.VerifyMetadataHeader(r, manifestMetadata); err != nil {
		return Manifest{}, errors.AddContext(err, "index: manifest header rejected")
	}
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, errors.AddContext(err, "index: malformed manifest body")
	}
	return m, nil
}
