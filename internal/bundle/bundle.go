// Package bundle implements the portable TBC2 config bundle: a
// portable, passphrase-protected export of config.toml plus its
// referenced secrets (minus MTProto sessions, which are never exportable
// and are regenerated on first connection after import), with a two-phase
// dry-run/apply import flow and per-target conflict resolution. It
// follows the persist package convention of a versioned, self-describing
// document (header+version checked before trusting the body) applied
// here to a portable string
// instead of a file.
package bundle

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"

	"github.com/televybackup/televybackup/internal/config"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
)

// bundlePrefix is the TBC2 string's textual marker.
const bundlePrefix = "TBC2:"

// pbkdf2Iterations is frozen: changing it breaks decryption of every
// previously exported bundle.
const pbkdf2Iterations = 200000

// confirmPhrase is the typed confirmation apply() requires, preventing an
// accidental import from silently overwriting local state.
const confirmPhrase = "IMPORT"

// kdfJSON is the outer envelope's `kdf` object.
type kdfJSON struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
}

// outerJSON is the outer bundle envelope.
type outerJSON struct {
	Version    int     `json:"version"`
	Format     string  `json:"format"`
	Hint       string  `json:"hint"`
	KDF        kdfJSON `json:"kdf"`
	GoldKeyEnc string  `json:"goldKeyEnc"`
	PayloadEnc string  `json:"payloadEnc"`
}

// Payload is the bundle's decrypted contents: the full config plus the
// secrets entries it references, with what was left out explicitly
// enumerated in the Excluded and Missing arrays.
type Payload struct {
	Config   config.Config     `json:"config"`
	Secrets  map[string]string `json:"secrets"`
	Excluded []string          `json:"excluded"` // keys deliberately never exported (MTProto sessions)
	Missing  []string          `json:"missing"`  // keys the config referenced but the local secrets store did not have
}

// SecretsGetter reads one secrets-store entry, e.g. (*secrets.Store).Get.
type SecretsGetter func(key string) (value string, ok bool, err error)

// SecretsSetter writes one secrets-store entry, e.g. (*secrets.Store).Set.
type SecretsSetter func(key, value string) error

// Export builds a TBC2 string from cfg and the secrets entries it
// references, sealing the payload under masterKey and wrapping masterKey
// itself under a PBKDF2-derived passphrase key.
func Export(cfg config.Config, get SecretsGetter, masterKey cryptframe.Key, passphrase, hint string) (string, error) {
	payload := Payload{Config: cfg, Secrets: map[string]string{}}

	collect := func(key string) {
		if key == "" {
			return
		}
		v, ok, err := get(key)
		if err != nil || !ok {
			payload.Missing = append(payload.Missing, key)
			return
		}
		payload.Secrets[key] = v
	}
	collect(cfg.Telegram.MTProto.APIHashKey)
	for _, ep := range cfg.TelegramEndpoint {
		collect(ep.BotTokenKey)
		// MTProto sessions are never exportable; record them as
		// excluded rather than silently dropping them.
		if ep.MTProtoSessionKey != "" {
			payload.Excluded = append(payload.Excluded, ep.MTProtoSessionKey)
		}
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return "", errors.AddContext(err, "bundle: unable to marshal payload")
	}
	payloadEnc, err := cryptframe.Seal(masterKey, []byte(cryptframe.AADConfigBundlePayload), plain)
	if err != nil {
		return "", errors.AddContext(err, "bundle: unable to seal payload")
	}

	salt := fastrand.Bytes(16)
	goldKey := deriveGoldKey(passphrase, salt)
	goldKeyEnc, err := cryptframe.Seal(goldKey, []byte(cryptframe.AADConfigBundleGoldKey), []byte(masterKey.String()))
	if err != nil {
		return "", errors.AddContext(err, "bundle: unable to seal gold key")
	}

	outer := outerJSON{
		Version: 2,
		Format:  "tbc2",
		Hint:    hint,
		KDF: kdfJSON{
			Name:       "pbkdf2_hmac_sha256",
			Iterations: pbkdf2Iterations,
			Salt:       base64.StdEncoding.EncodeToString(salt),
		},
		GoldKeyEnc: base64.StdEncoding.EncodeToString(goldKeyEnc),
		PayloadEnc: base64.StdEncoding.EncodeToString(payloadEnc),
	}
	outerBytes, err := json.Marshal(outer)
	if err != nil {
		return "", errors.AddContext(err, "bundle: unable to marshal bundle envelope")
	}
	return bundlePrefix + base64.RawURLEncoding.EncodeToString(outerBytes), nil
}

func deriveGoldKey(passphrase string, salt []byte) cryptframe.Key {
	raw := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, cryptframe.KeySize, sha256.New)
	var k cryptframe.Key
	copy(k[:], raw)
	return k
}

// decode parses bundleStr and recovers the master key and payload,
// without touching any local state (the dry-run phase, and the shared
// first step of apply).
func decode(bundleStr, passphrase string) (Payload, cryptframe.Key, error) {
	var empty Payload
	if len(bundleStr) <= len(bundlePrefix) || bundleStr[:len(bundlePrefix)] != bundlePrefix {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "not a TBC2 config bundle")
	}
	outerBytes, err := base64.RawURLEncoding.DecodeString(bundleStr[len(bundlePrefix):])
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "malformed bundle encoding: %v", err)
	}
	var outer outerJSON
	if err := json.Unmarshal(outerBytes, &outer); err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "malformed bundle envelope: %v", err)
	}
	if outer.Version != 2 || outer.Format != "tbc2" {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "unsupported bundle version/format")
	}
	if passphrase == "" {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeBundlePassphraseNeeded, false, "a passphrase is required to unwrap this bundle")
	}

	salt, err := base64.StdEncoding.DecodeString(outer.KDF.Salt)
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "malformed bundle salt: %v", err)
	}
	goldKeyEnc, err := base64.StdEncoding.DecodeString(outer.GoldKeyEnc)
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "malformed bundle gold key: %v", err)
	}
	goldKey := deriveGoldKey(passphrase, salt)
	masterKeyPlain, err := cryptframe.Open(goldKey, []byte(cryptframe.AADConfigBundleGoldKey), goldKeyEnc)
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeBundlePassphraseNeeded, false, "wrong passphrase or corrupted bundle")
	}
	masterKey, err := cryptframe.ParseKeyString(string(masterKeyPlain))
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.Wrap(errtaxonomy.CodeCrypto, err)
	}

	payloadEnc, err := base64.StdEncoding.DecodeString(outer.PayloadEnc)
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "malformed bundle payload: %v", err)
	}
	payloadPlain, err := cryptframe.Open(masterKey, []byte(cryptframe.AADConfigBundlePayload), payloadEnc)
	if err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeCrypto, false, "bundle payload decrypt failed: %v", err)
	}
	var payload Payload
	if err := json.Unmarshal(payloadPlain, &payload); err != nil {
		return empty, cryptframe.Key{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "malformed bundle payload json: %v", err)
	}
	return payload, masterKey, nil
}

// ConflictResolution is the caller's chosen handling for one conflicting
// target_id.
type ConflictResolution string

const (
	OverwriteLocal  ConflictResolution = "overwrite_local"
	OverwriteRemote ConflictResolution = "overwrite_remote"
	Rebind          ConflictResolution = "rebind"
	Skip            ConflictResolution = "skip"
)

// TargetConflict describes one target_id present in both the bundle and
// the local config with differing source_path or endpoint_id.
type TargetConflict struct {
	TargetID         string
	LocalSourcePath  string
	BundleSourcePath string
	LocalEndpointID  string
	BundleEndpointID string
}

// DryRunResult is what Plan returns for the caller to review before
// calling Apply.
type DryRunResult struct {
	Payload   Payload
	Conflicts []TargetConflict
}

// Plan decrypts bundleStr and diffs its targets against localCfg,
// reporting conflicts without mutating any local state.
func Plan(bundleStr, passphrase string, localCfg config.Config) (DryRunResult, error) {
	payload, _, err := decode(bundleStr, passphrase)
	if err != nil {
		return DryRunResult{}, err
	}
	local := make(map[string]config.Target, len(localCfg.Targets))
	for _, t := range localCfg.Targets {
		local[t.TargetID] = t
	}

	var conflicts []TargetConflict
	for _, bt := range payload.Config.Targets {
		lt, ok := local[bt.TargetID]
		if !ok {
			continue
		}
		if lt.SourcePath != bt.SourcePath || lt.EndpointID != bt.EndpointID {
			conflicts = append(conflicts, TargetConflict{
				TargetID:         bt.TargetID,
				LocalSourcePath:  lt.SourcePath,
				BundleSourcePath: bt.SourcePath,
				LocalEndpointID:  lt.EndpointID,
				BundleEndpointID: bt.EndpointID,
			})
		}
	}
	return DryRunResult{Payload: payload, Conflicts: conflicts}, nil
}

// Apply merges a bundle into localCfg, honoring one ConflictResolution per
// conflicting target_id, and writes every recovered secret via
// set. It requires confirm == "IMPORT" (config_bundle.confirm_required
// otherwise) as a guard against an accidental destructive import.
func Apply(bundleStr, passphrase, confirm string, localCfg config.Config, resolutions map[string]ConflictResolution, set SecretsSetter) (config.Config, error) {
	if confirm != confirmPhrase {
		return config.Config{}, errtaxonomy.New(errtaxonomy.CodeBundleConfirmRequired, false, "apply requires typing %q to confirm", confirmPhrase)
	}
	plan, err := Plan(bundleStr, passphrase, localCfg)
	if err != nil {
		return config.Config{}, err
	}
	for _, c := range plan.Conflicts {
		if _, ok := resolutions[c.TargetID]; !ok {
			return config.Config{}, errtaxonomy.New(errtaxonomy.CodeBundleConflict, false, "target %q conflicts with local config and has no resolution", c.TargetID)
		}
	}

	merged := localCfg
	local := make(map[string]int, len(merged.Targets)) // target_id -> index into merged.Targets
	for i, t := range merged.Targets {
		local[t.TargetID] = i
	}
	for _, bt := range plan.Payload.Config.Targets {
		idx, exists := local[bt.TargetID]
		if !exists {
			merged.Targets = append(merged.Targets, bt)
			continue
		}
		switch resolutions[bt.TargetID] {
		case OverwriteLocal, "":
			merged.Targets[idx] = bt
		case OverwriteRemote, Skip:
			// local wins; nothing to change.
		case Rebind:
			rebound := bt
			rebound.TargetID = fmt.Sprintf("%s-imported", bt.TargetID)
			merged.Targets = append(merged.Targets, rebound)
		}
	}

	for key, value := range plan.Payload.Secrets {
		if err := set(key, value); err != nil {
			return config.Config{}, errtaxonomy.Wrap(errtaxonomy.CodeSecretsStoreFailed, err)
		}
	}

	return merged, nil
}
