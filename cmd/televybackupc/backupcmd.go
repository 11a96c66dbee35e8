package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/backupengine"
	"github.com/televybackup/televybackup/internal/chunker"
	"github.com/televybackup/televybackup/internal/config"
	"github.com/televybackup/televybackup/internal/statuslog"
	"github.com/televybackup/televybackup/persist"
)

// newBackupCmd returns the `backup <target-id>` command: runs the phase
// state machine once for a single configured target.
func newBackupCmd() *cobra.Command {
	var noRemoteIndexSync bool

	cmd := &cobra.Command{
		Use:   "backup <target-id>",
		Short: "Back up one configured target",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := runBackupCmd(args[0], noRemoteIndexSync); err != nil {
				die(err)
			}
		},
	}
	cmd.Flags().BoolVar(&noRemoteIndexSync, "no-remote-index-sync", false, "skip the remote-first index_sync preflight")
	return cmd
}

func runBackupCmd(targetID string, noRemoteIndexSync bool) error {
	ac, err := app.Load()
	if err != nil {
		return err
	}
	target, endpoint, err := ac.Target(targetID)
	if err != nil {
		return err
	}
	masterKey, err := ac.MasterKey()
	if err != nil {
		return err
	}
	store, err := ac.OpenIndex(endpoint.EndpointID)
	if err != nil {
		return err
	}

	chunking := ac.Config.Chunking
	if chunking.MinBytes == 0 {
		chunking = config.DefaultChunking()
	}

	if err := os.MkdirAll(ac.LogDir, 0700); err != nil {
		return err
	}
	runID := persist.UID()
	logPath := filepath.Join(ac.LogDir, fmt.Sprintf("sync-backup-%s-%s.ndjson", time.Now().UTC().Format("20060102T150405Z"), runID))
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	w := statuslog.NewWriter(f, runID, func() int64 { return time.Now().UnixMilli() })

	eng := backupengine.New(backupengine.Config{
		Store:                store,
		Storage:              ac.Storage(endpoint.EndpointID),
		MasterKey:            masterKey,
		Peer:                 endpoint.ChatID,
		Provider:             app.Provider(endpoint.EndpointID),
		TargetID:             target.TargetID,
		SourcePath:           target.SourcePath,
		Label:                target.Label,
		Excludes:             target.Excludes,
		Chunking:             chunker.Params{MinBytes: chunking.MinBytes, AvgBytes: chunking.AvgBytes, MaxBytes: chunking.MaxBytes},
		MaxConcurrentUploads: endpoint.RateLimit.MaxConcurrentUploads,
		MinDelayMs:           endpoint.RateLimit.MinDelayMs,
		UploadBPS:            endpoint.RateLimit.UploadBPS,
		NoRemoteIndexSync:    noRemoteIndexSync,
		DBPath:               ac.IndexPath(endpoint.EndpointID),
		StatusEmitter:        w,
	})
	defer func() { _ = eng.Store().Close() }()

	res, err := eng.Run(context.Background())
	fmt.Printf("snapshot=%s status=%s files=%d chunks=%d bytes_uploaded=%d bytes_deduped=%d\n",
		res.SnapshotID, res.Status, res.FilesDone, res.ChunksDone, res.BytesUploaded, res.BytesDeduped)
	return err
}
