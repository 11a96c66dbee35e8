// Package storage defines the abstract remote object store capability that
// the backup/restore/verify engines consume, and the tagged object_id
// string grammar used to address objects on it. The MTProto wire
// implementation itself lives behind this contract: the package only
// defines the capability interface and the textual encoding.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/uplo-tech/errors"
)

// EngineeredUploadMax is the hard ceiling on any single uploaded document,
// imposed by the remote transport.
const EngineeredUploadMax = 128 << 20

// FrameOverhead is the fixed AEAD framing overhead added to every payload
// before it is handed to Storage: 1 version byte + 24 byte nonce + 16
// byte tag.
const FrameOverhead = 41

// ObjectID is a tagged variant identifying where an object's bytes live.
// Exactly one of the Kind-specific field groups is populated; persistence
// always goes through the textual form for stability.
type ObjectID struct {
	Kind ObjectIDKind

	// Kind == KindMTProto
	Peer       string
	MsgID      string
	DocID      string
	AccessHash string

	// Kind == KindPack
	Inner  *ObjectID
	Offset int64
	Len    int64

	// Kind == KindFile / KindBare
	FileID string
}

// ObjectIDKind enumerates the tagged variants of ObjectID.
type ObjectIDKind int

const (
	// KindMTProto addresses a single Telegram document directly.
	KindMTProto ObjectIDKind = iota
	// KindPack addresses a byte range within a pack document.
	KindPack
	// KindFile addresses a legacy Bot API file_id, read-only.
	KindFile
	// KindBare addresses a historical unprefixed file_id, read-only.
	KindBare
)

// ErrUnknownObjectID is returned when a string does not match any known
// object_id prefix.
var ErrUnknownObjectID = errors.New("object_id: unrecognized prefix")

type mtprotoPayload struct {
	Peer       string `json:"peer"`
	MsgID      string `json:"msgId"`
	DocID      string `json:"docId"`
	AccessHash string `json:"accessHash"`
}

// ParseObjectID parses the textual object_id grammar. Unknown prefixes
// are a fatal parse error.
func ParseObjectID(s string) (ObjectID, error) {
	switch {
	case strings.HasPrefix(s, "tgmtproto:v1:"):
		return parseMTProto(s)
	case strings.HasPrefix(s, "tgpack:"):
		return parsePack(s)
	case strings.HasPrefix(s, "tgfile:"):
		return ObjectID{Kind: KindFile, FileID: strings.TrimPrefix(s, "tgfile:")}, nil
	case s == "":
		return ObjectID{}, errors.AddContext(ErrUnknownObjectID, "empty object_id")
	default:
		// Bare legacy file_id: historical Bot API references carry no
		// prefix at all. Any remaining string is accepted for reads
		// only; new writes never produce this form.
		return ObjectID{Kind: KindBare, FileID: s}, nil
	}
}

func parseMTProto(s string) (ObjectID, error) {
	body := strings.TrimPrefix(s, "tgmtproto:v1:")
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return ObjectID{}, errors.AddContext(err, "object_id: invalid base64url payload")
	}
	var p mtprotoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ObjectID{}, errors.AddContext(err, "object_id: invalid json payload")
	}
	return ObjectID{
		Kind:       KindMTProto,
		Peer:       p.Peer,
		MsgID:      p.MsgID,
		DocID:      p.DocID,
		AccessHash: p.AccessHash,
	}, nil
}

func parsePack(s string) (ObjectID, error) {
	body := strings.TrimPrefix(s, "tgpack:")
	at := strings.LastIndex(body, "@")
	plus := strings.LastIndex(body, "+")
	if at < 0 || plus < at {
		return ObjectID{}, errors.AddContext(ErrUnknownObjectID, "object_id: malformed tgpack reference")
	}
	innerStr, offStr, lenStr := body[:at], body[at+1:plus], body[plus+1:]

	inner, err := ParseObjectID(innerStr)
	if err != nil {
		return ObjectID{}, errors.AddContext(err, "object_id: malformed tgpack inner reference")
	}
	if inner.Kind != KindMTProto {
		return ObjectID{}, errors.AddContext(ErrUnknownObjectID, "object_id: tgpack inner reference must be tgmtproto:v1:")
	}
	off, err := strconv.ParseInt(offStr, 10, 64)
	if err != nil {
		return ObjectID{}, errors.AddContext(err, "object_id: invalid pack offset")
	}
	length, err := strconv.ParseInt(lenStr, 10, 64)
	if err != nil {
		return ObjectID{}, errors.AddContext(err, "object_id: invalid pack length")
	}
	return ObjectID{Kind: KindPack, Inner: &inner, Offset: off, Len: length}, nil
}

// String serializes an ObjectID back to its textual form. Round-tripping
// through ParseObjectID/String is identity for well-formed inputs.
func (o ObjectID) String() string {
	switch o.Kind {
	case KindMTProto:
		raw, _ := json.Marshal(mtprotoPayload{Peer: o.Peer, MsgID: o.MsgID, DocID: o.DocID, AccessHash: o.AccessHash})
		return "tgmtproto:v1:" + base64.RawURLEncoding.EncodeToString(raw)
	case KindPack:
		return "tgpack:" + o.Inner.String() + "@" + strconv.FormatInt(o.Offset, 10) + "+" + strconv.FormatInt(o.Len, 10)
	case KindFile:
		return "tgfile:" + o.FileID
	default:
		return o.FileID
	}
}

// NewPackReference builds the tgpack:<pack_object_id>@<offset>+<len>
// object_id for a chunk stored at [offset, offset+length) within the pack
// document addressed by packObjectID.
func NewPackReference(packObjectID ObjectID, offset, length int64) ObjectID {
	inner := packObjectID
	return ObjectID{Kind: KindPack, Inner: &inner, Offset: offset, Len: length}
}

// Capability is the abstract remote object store contract consumed by the
// backup, restore, and verify engines. An MTProto helper, in-process or
// out-of-process, implements it; the engines never depend on the wire
// protocol directly.
type Capability interface {
	// UploadDocument uploads data atomically to peer and returns its
	// object_id. Implementations must emit periodic progress heartbeats
	// (minimum every 30s) even without byte motion.
	UploadDocument(ctx context.Context, peer string, data []byte, progress func(sent int64)) (ObjectID, error)

	// DownloadDocument fetches the bytes addressed by id, refreshing any
	// transport-side reference (e.g. file_reference) as needed.
	DownloadDocument(ctx context.Context, id ObjectID) ([]byte, error)

	// SetPinnedObjectID replaces peer's pinned message with id. Returns
	// ErrPinForbidden if the bot lacks pin permission in peer.
	SetPinnedObjectID(ctx context.Context, peer string, id ObjectID) error

	// GetPinnedObjectID returns the peer's pinned object_id, or ok=false
	// if there is no pinned message (including transport-specific "empty
	// message ids" responses).
	GetPinnedObjectID(ctx context.Context, peer string) (id ObjectID, ok bool, err error)

	// Validate performs an end-to-end round trip against peer: upload a
	// small blob, download it, compare. No secrets appear in the result.
	Validate(ctx context.Context, peer string) error

	// WaitChat passively listens on the bot's update stream and returns
	// the first chat observed, since bots cannot enumerate dialogs.
	WaitChat(ctx context.Context, endpointID string, timeout time.Duration) (ChatRef, error)
}

// ChatRef identifies a Telegram chat discovered via WaitChat.
type ChatRef struct {
	Kind     string
	ChatID   string
	Username string
}

// ErrPinForbidden is returned by SetPinnedObjectID when the bot lacks pin
// permission in the target chat.
var ErrPinForbidden = errors.New("storage: bot lacks permission to pin messages in this chat")
