// Package restoreengine implements the restore and verify engines:
// resolving a remote index, reassembling files chunk by chunk through a
// small LRU cache of recently downloaded packs, and either writing the
// result to disk or merely checking it. The addressing model is one
// object_id per chunk, optionally inside a shared pack; the cache makes
// a many-small-files restore cost roughly one download per pack rather
// than one per file.
package restoreengine

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/pack"
	"github.com/televybackup/televybackup/internal/statuslog"
	"github.com/televybackup/televybackup/internal/storage"
)

// chunkKeyContext and remoteIndexKeyContext must match backupengine's key
// derivation contexts; both sides derive the same keys independently from
// the same master key rather than one persisting them for the other.
const chunkKeyContext = "televy.chunk.v1"
const remoteIndexKeyContext = "televy.remote_index.v1"

// packCacheSize is the restore/verify pack LRU's capacity. One or two
// cached packs is enough: chunks of neighboring files land in the same
// pack.
const packCacheSize = 2

// Config is everything one restore or verify run needs.
type Config struct {
	Store   *index.Store // opened read-only (index.OpenReadOnly) against the resolved snapshot's index
	Storage storage.Capability

	MasterKey cryptframe.Key
	Peer      string

	StatusEmitter statuslog.Emitter
}

// Engine drives restore/verify runs against one resolved index.
type Engine struct {
	cfg       Config
	packCache *lru.Cache[string, []byte]
}

// New returns an Engine backed by a fresh pack cache.
func New(cfg Config) (*Engine, error) {
	if cfg.StatusEmitter == nil {
		cfg.StatusEmitter = statuslog.NullWriter{}
	}
	cache, err := lru.New[string, []byte](packCacheSize)
	if err != nil {
		return nil, errors.AddContext(err, "restoreengine: unable to construct pack cache")
	}
	return &Engine{cfg: cfg, packCache: cache}, nil
}

func (e *Engine) chunkKey() cryptframe.Key {
	return cryptframe.DeriveKey(e.cfg.MasterKey, chunkKeyContext)
}

func (e *Engine) remoteIndexKey() cryptframe.Key {
	return cryptframe.DeriveKey(e.cfg.MasterKey, remoteIndexKeyContext)
}

func (e *Engine) emit(ev statuslog.Event) {
	_ = e.cfg.StatusEmitter.Emit(ev)
}

// fetchChunk resolves chunkHashHex to its plaintext, using the active
// provider's chunk_objects mapping, the pack cache for tgpack references,
// and verifying the decrypted plaintext's BLAKE3 against the expected
// hash.
func (e *Engine) fetchChunk(ctx context.Context, chunkHashHex string) ([]byte, error) {
	objectID, ok, err := e.cfg.Store.ChunkObjectForActiveProvider(chunkHashHex)
	if err != nil {
		return nil, errors.AddContext(err, "restoreengine: unable to read chunk_objects")
	}
	if !ok {
		return nil, errtaxonomy.New(errtaxonomy.CodeChunkMissing, false, "no chunk_objects row for chunk %s on this provider", chunkHashHex)
	}
	oid, err := storage.ParseObjectID(objectID)
	if err != nil {
		return nil, errtaxonomy.New(errtaxonomy.CodeChunkMissing, false, "malformed object_id for chunk %s: %v", chunkHashHex, err)
	}

	var blob []byte
	switch oid.Kind {
	case storage.KindPack:
		doc, err := e.packDocument(ctx, *oid.Inner)
		if err != nil {
			return nil, err
		}
		blob, err = pack.Slice(doc, pack.Entry{Offset: oid.Offset, Len: oid.Len})
		if err != nil {
			return nil, errtaxonomy.New(errtaxonomy.CodeChunkMissing, false, "chunk %s: %v", chunkHashHex, err)
		}
	default:
		blob, err = e.cfg.Storage.DownloadDocument(ctx, oid)
		if err != nil {
			return nil, classifyDownloadErr(err)
		}
	}

	rawHash, err := hex.DecodeString(chunkHashHex)
	if err != nil {
		return nil, errors.AddContext(err, "restoreengine: malformed chunk hash")
	}
	plain, err := cryptframe.Open(e.chunkKey(), rawHash, blob)
	if err != nil {
		return nil, errtaxonomy.New(errtaxonomy.CodeCrypto, false, "chunk %s: %v", chunkHashHex, err)
	}
	sum := blake3.Sum256(plain)
	if hex.EncodeToString(sum[:]) != chunkHashHex {
		return nil, errtaxonomy.New(errtaxonomy.CodeChunkHashMismatch, false, "chunk %s: decrypted plaintext hash mismatch", chunkHashHex)
	}
	return plain, nil
}

// packDocument returns the raw bytes of the pack document addressed by
// inner, downloading it once and caching it across chunks from the same
// pack.
func (e *Engine) packDocument(ctx context.Context, inner storage.ObjectID) ([]byte, error) {
	key := inner.String()
	if doc, ok := e.packCache.Get(key); ok {
		return doc, nil
	}
	doc, err := e.cfg.Storage.DownloadDocument(ctx, inner)
	if err != nil {
		return nil, classifyDownloadErr(err)
	}
	e.packCache.Add(key, doc)
	return doc, nil
}

func classifyDownloadErr(err error) error {
	if _, _, ok := errtaxonomy.Classify(err); ok {
		return err
	}
	return errtaxonomy.Wrap(errtaxonomy.CodeTelegramUnavailable, err)
}

// destinationPath joins targetRoot and relPath, rejecting any path that
// would escape targetRoot via ".." or an absolute component.
func destinationPath(targetRoot, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", errors.New("restoreengine: file path must not be absolute")
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.New("restoreengine: file path escapes target root")
	}
	return filepath.Join(targetRoot, cleaned), nil
}
