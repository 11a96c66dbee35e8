// Package errtaxonomy gives every fallible operation a classified {code,
// message, retryable} error: one shared vocabulary of sentinel codes
// rather than per-package sentinel values. Error implements Unwrap and
// Is, so classified errors match through the standard errors helpers and
// through github.com/uplo-tech/errors.Contains at the call sites that
// compose with that package.
package errtaxonomy

import (
	"errors"
	"fmt"
)

// Code names one of the error classes. These are conceptual
// categories, not Go types: a Code plus a message plus a retryable flag is
// enough for every call site to make a routing decision.
type Code string

const (
	CodeConfigInvalid           Code = "config.invalid"
	CodeCrypto                  Code = "crypto"
	CodeTelegramUnauthorized    Code = "telegram.unauthorized"
	CodeTelegramForbidden       Code = "telegram.forbidden"
	CodeTelegramChatNotFound    Code = "telegram.chat_not_found"
	CodeTelegramUnavailable     Code = "telegram.unavailable"
	CodeTelegramRoundtripFailed Code = "telegram.roundtrip_failed"
	CodeChunkHashMismatch       Code = "chunk.hash_mismatch"
	CodeChunkMissing            Code = "chunk.missing"
	CodeBootstrapMissing        Code = "bootstrap.missing"
	CodeBootstrapForbidden      Code = "bootstrap.forbidden"
	CodeBootstrapInvalid        Code = "bootstrap.invalid"
	CodeBootstrapDecryptFailed  Code = "bootstrap.decrypt_failed"
	CodeSecretsVaultUnavailable Code = "secrets.vault_unavailable"
	CodeSecretsStoreFailed      Code = "secrets.store_failed"
	CodeRotationInProgress      Code = "rotation.in_progress"
	CodeBundleConflict          Code = "config_bundle.conflict"
	CodeBundleConfirmRequired   Code = "config_bundle.confirm_required"
	CodeBundlePassphraseNeeded  Code = "config_bundle.passphrase_required"
	CodeBundleRotationRequired  Code = "config_bundle.rotation_required"
)

// retryableByDefault records which codes are retryable absent a more
// specific transport signal. telegram.unavailable and the two
// transport-classified restore/verify codes are decided per call site
// instead, via New's retryable parameter.
var retryableByDefault = map[Code]bool{
	CodeTelegramUnavailable: true,
}

// Error is a classified, user-actionable error. It implements the standard
// error interface and composes with github.com/uplo-tech/errors via wrap,
// preserving that package's AddContext/Contains semantics.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	wrap      error
}

// New creates a classified error. retryable overrides the class default
// for codes (like telegram.unavailable vs. telegram.chat_not_found) whose
// retryability depends on the transport's specific signal rather than the
// code alone.
func New(code Code, retryable bool, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// Wrap classifies an underlying error, defaulting retryability from the
// code's class unless the code is not listed (defaults to non-retryable,
// the safe choice for a taxonomy entry that fails closed).
func Wrap(code Code, err error) *Error {
	return &Error{
		Code:      code,
		Message:   err.Error(),
		Retryable: retryableByDefault[code],
		wrap:      err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying error, if any, to errors.As/errors.Is and
// to github.com/uplo-tech/errors.Contains.
func (e *Error) Unwrap() error {
	return e.wrap
}

// Is reports whether err is an *Error with the same Code, so call sites
// can write errors.Contains(err, errtaxonomy.New(errtaxonomy.CodeCrypto,
// false, "")) style checks without comparing messages.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Classify returns the Code and retryable flag of err if it is (or wraps)
// an *Error, or ("", false) otherwise.
func Classify(err error) (Code, bool, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Retryable, true
	}
	return "", false, false
}
