// Package persist provides the small shared vocabulary for durable local
// artifacts: fixed binary metadata headers for self-describing documents,
// random identifiers for runs and temp-file suffixes, and a file logger
// preconfigured with this build's identity.
package persist

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"io"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"

	"github.com/televybackup/televybackup/build"
)

const (
	// FixedMetadataSize is the size of the FixedMetadata header in bytes.
	FixedMetadataSize = 32

	// randomBytes is the number of bytes to use to ensure sufficient
	// randomness in RandomSuffix and UID.
	randomBytes = 20
)

var (
	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion indicates that the version number of the file is not
	// compatible with the current codebase.
	ErrBadVersion = errors.New("incompatible version")
)

// Specifier is a fixed-size, null-padded identifier used in binary
// headers, e.g. the header/version pair of a FixedMetadata.
type Specifier [16]byte

// NewSpecifier creates a specifier from the provided string, which must fit
// within 16 bytes.
func NewSpecifier(s string) (sp Specifier) {
	if len(s) > len(sp) {
		build.Critical("specifier is too long to fit: " + s)
	}
	copy(sp[:], s)
	return
}

// String returns the specifier as a Go string, trimmed of trailing zero
// bytes.
func (s Specifier) String() string {
	i := bytes.IndexByte(s[:], 0)
	if i == -1 {
		return string(s[:])
	}
	return string(s[:i])
}

// MetadataVersionv1 is a common metadata version specifier, mirroring the
// current televybackup schema generation.
var MetadataVersionv1 = NewSpecifier("v1.0.0\n")

// FixedMetadata contains the header and version of the data being stored as a
// fixed-length byte-array.
type FixedMetadata struct {
	Header  Specifier
	Version Specifier
}

// RandomSuffix returns a 20 character base32 suffix for a filename. There are
// 100 bits of entropy, and a very low probability of colliding with existing
// files unintentionally.
func RandomSuffix() string {
	str := base32.StdEncoding.EncodeToString(fastrand.Bytes(randomBytes))
	return str[:20]
}

// UID returns a hexadecimal encoded string that can be used as an unique ID.
func UID() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))
}

// VerifyMetadataHeader will take in a reader and an expected metadata header,
// if the file's header has a different header or version it will return the
// corresponding error and the actual metadata header
func VerifyMetadataHeader(r io.Reader, expected FixedMetadata) (FixedMetadata, error) {
	b := make([]byte, FixedMetadataSize)

	// Read metadata from file
	_, err := io.ReadFull(r, b)
	if err != nil {
		return FixedMetadata{}, errors.AddContext(err, "could not read metadata header")
	}
	actual := FixedMetadata{}
	err = encoding.Unmarshal(b[:], &actual)
	if err != nil {
		return actual, errors.AddContext(err, "could not decode metadata header")
	}

	// Verify metadata header and version
	if !bytes.Equal(actual.Header[:], expected.Header[:]) {
		return actual, ErrBadHeader
	}
	if !bytes.Equal(actual.Version[:], expected.Version[:]) {
		return actual, ErrBadVersion
	}

	return actual, nil
}
