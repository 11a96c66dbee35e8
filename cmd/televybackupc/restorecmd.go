package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/config"
	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/index"
	"github.com/televybackup/televybackup/internal/restoreengine"
	"github.com/televybackup/televybackup/internal/storage"
)

// remoteIndexKeyContext must match backupengine/restoreengine's own
// identically-named unexported constants: every side derives the key
// independently from the master key rather than one persisting it for the
// others (see internal/restoreengine/restoreengine.go's doc comment).
const remoteIndexKeyContext = "televy.remote_index.v1"

func remoteIndexKey(masterKey cryptframe.Key) cryptframe.Key {
	return cryptframe.DeriveKey(masterKey, remoteIndexKeyContext)
}

// resolvedIndex opens a read-only index.Store positioned at the snapshot
// to restore/verify: either the endpoint's own local database (if
// snapshotID is already empty and the caller wants "latest" resolved
// in-place), or a temporary database downloaded fresh from the remote
// index named by the bootstrap catalog (the cross-device
// "restore latest").
func resolvedIndex(ctx context.Context, ac *app.Context, targetID string, endpoint config.TelegramEndpoint, sc storage.Capability, masterKey cryptframe.Key, snapshotID string) (*index.Store, string, error) {
	restoreCfg := restoreengine.Config{Storage: sc, MasterKey: masterKey, Peer: endpoint.ChatID}
	eng, err := restoreengine.New(restoreCfg)
	if err != nil {
		return nil, "", err
	}

	var manifestObjectID string
	if snapshotID == "" {
		snapshotID, manifestObjectID, err = eng.ResolveLatest(ctx, targetID)
		if err != nil {
			return nil, "", err
		}
	} else {
		localStore, err := index.OpenReadOnly(ac.IndexPath(endpoint.EndpointID), app.Provider(endpoint.EndpointID))
		if err == nil {
			if oid, ok, lookupErr := localStore.RemoteIndexManifestObjectID(snapshotID); lookupErr == nil && ok {
				manifestObjectID = oid
			}
			localStore.Close()
		}
		if manifestObjectID == "" {
			_, manifestObjectID, err = eng.ResolveLatest(ctx, targetID)
			if err != nil {
				return nil, "", err
			}
		}
	}

	tmpPath := filepath.Join(os.TempDir(), "televybackup-restore-"+snapshotID+".sqlite")
	if err := index.DownloadSnapshot(ctx, sc, remoteIndexKey(masterKey), manifestObjectID, snapshotID, tmpPath); err != nil {
		return nil, "", err
	}
	store, err := index.OpenReadOnly(tmpPath, app.Provider(endpoint.EndpointID))
	if err != nil {
		return nil, "", err
	}
	return store, snapshotID, nil
}

func newRestoreCmd() *cobra.Command {
	var targetID, snapshotID, outDir string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a snapshot into a target directory",
		Run: func(*cobra.Command, []string) {
			if err := runRestoreCmd(targetID, snapshotID, outDir); err != nil {
				die(err)
			}
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target_id to restore (required)")
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot_id to restore; omit for the target's latest")
	cmd.Flags().StringVar(&outDir, "out", "", "destination directory (required)")
	return cmd
}

func runRestoreCmd(targetID, snapshotID, outDir string) error {
	if targetID == "" || outDir == "" {
		return fmt.Errorf("restore: --target and --out are required")
	}
	ac, err := app.Load()
	if err != nil {
		return err
	}
	_, endpoint, err := ac.Target(targetID)
	if err != nil {
		return err
	}
	masterKey, err := ac.MasterKey()
	if err != nil {
		return err
	}
	sc := ac.Storage(endpoint.EndpointID)
	ctx := context.Background()

	store, resolvedID, err := resolvedIndex(ctx, ac, targetID, endpoint, sc, masterKey, snapshotID)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := restoreengine.New(restoreengine.Config{Store: store, Storage: sc, MasterKey: masterKey, Peer: endpoint.ChatID})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return err
	}
	res, err := eng.Restore(ctx, resolvedID, outDir)
	fmt.Printf("snapshot=%s files_restored=%d bytes_written=%d\n", resolvedID, res.FilesRestored, res.BytesWritten)
	return err
}
