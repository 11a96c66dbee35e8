// Package app wires the on-disk layout, config.toml, secrets store,
// and Storage capability into ready-to-use backupengine/restoreengine
// inputs. Both cmd/televybackupd and cmd/televybackupc construct a
// *Context the same way, rather than duplicating path and credential
// plumbing in every command.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/build"
	"github.com/televybackup/televybackup/internal/config"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/secrets"
	"github.com/televybackup/televybackup/internal/storage"
	"github.com/televybackup/televybackup/internal/storage/rpcclient"
)

// mtprotoSockName is the UDS path (relative to $DATA_DIR/ipc) the MTProto
// helper listens on, when the engines are wired to an out-of-process
// helper.
const mtprotoSockName = "mtproto.sock"

// Context bundles the parsed config, secrets store, and master key used
// by every backup/restore/verify/bundle operation.
type Context struct {
	ConfigDir string
	DataDir   string
	LogDir    string

	Config config.Config
	vault  *secrets.Store
}

// Load reads config.toml and opens the secrets store from the standard
// locations, overridden by the TELEVYBACKUP_* environment
// variables build.ConfigDir/DataDir/LogDir already understand.
func Load() (*Context, error) {
	cfgDir := build.ConfigDir()
	cfg, err := config.Load(filepath.Join(cfgDir, "config.toml"))
	if err != nil {
		return nil, err
	}
	return &Context{
		ConfigDir: cfgDir,
		DataDir:   build.DataDir(),
		LogDir:    build.LogDir(),
		Config:    cfg,
		vault:     secrets.Open(cfgDir, secrets.NewProvider(cfgDir)),
	}, nil
}

// Secrets exposes the opened secrets store for bundle import/export and
// direct `settings secrets` inspection commands.
func (a *Context) Secrets() *secrets.Store { return a.vault }

// MasterKey returns the active master key: TELEVYBACKUP_MASTER_KEY
// (test/CI escape hatch per build.MasterKeyOverride) takes priority over
// the secrets store entry.
func (a *Context) MasterKey() (cryptframe.Key, error) {
	if override := build.MasterKeyOverride(); override != "" {
		return cryptframe.ParseKeyString(override)
	}
	return a.vault.MasterKey()
}

// Endpoint looks up one configured endpoint by id.
func (a *Context) Endpoint(endpointID string) (config.TelegramEndpoint, error) {
	for _, ep := range a.Config.TelegramEndpoint {
		if ep.EndpointID == endpointID {
			return ep, nil
		}
	}
	return config.TelegramEndpoint{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "no telegram_endpoints entry named %q", endpointID)
}

// Target looks up one configured target and its bound endpoint.
func (a *Context) Target(targetID string) (config.Target, config.TelegramEndpoint, error) {
	for _, t := range a.Config.Targets {
		if t.TargetID == targetID {
			ep, err := a.Endpoint(t.EndpointID)
			return t, ep, err
		}
	}
	return config.Target{}, config.TelegramEndpoint{}, errtaxonomy.New(errtaxonomy.CodeConfigInvalid, false, "no targets entry named %q", targetID)
}

// Provider returns the object_id namespace for an endpoint.
func Provider(endpointID string) string {
	return "telegram.mtproto/" + endpointID
}

// IndexPath returns the per-endpoint SQLite file path.
func (a *Context) IndexPath(endpointID string) string {
	return filepath.Join(a.DataDir, "index", fmt.Sprintf("index.%s.sqlite", endpointID))
}

// OpenIndex opens (creating if necessary) the index database for
// endpointID, ensuring $DATA_DIR/index exists first.
func (a *Context) OpenIndex(endpointID string) (*index.Store, error) {
	if err := os.MkdirAll(filepath.Join(a.DataDir, "index"), 0700); err != nil {
		return nil, errors.AddContext(err, "app: unable to create index directory")
	}
	return index.Open(a.IndexPath(endpointID), Provider(endpointID))
}

// OpenIndexReadOnly opens path read-only, for restore/verify against a
// snapshot already synced into the per-endpoint database or a
// just-downloaded temp copy.
func OpenIndexReadOnly(path, endpointID string) (*index.Store, error) {
	return index.OpenReadOnly(path, Provider(endpointID))
}

// Storage returns the Storage capability for endpointID: an rpcclient
// dialing $DATA_DIR/ipc/mtproto.sock, where the out-of-process MTProto
// helper is expected to be listening.
func (a *Context) Storage(endpointID string) storage.Capability {
	return rpcclient.New(filepath.Join(a.DataDir, "ipc", mtprotoSockName))
}

// WaitForBackupTrigger blocks until $DATA_DIR/control/backup-now
// exists, polling at the given interval, or until ctx is done. It
// removes the trigger file before returning so a single touch triggers
// exactly one run.
func (a *Context) WaitForBackupTrigger(ctx context.Context, poll time.Duration) error {
	path := filepath.Join(a.DataDir, "control", "backup-now")
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				return nil
			}
		}
	}
}
