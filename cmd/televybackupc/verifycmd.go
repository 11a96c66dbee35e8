package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/restoreengine"
)

func newVerifyCmd() *cobra.Command {
	var targetID, snapshotID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a snapshot's remote chunks and index without writing anything",
		Run: func(*cobra.Command, []string) {
			if err := runVerifyCmd(targetID, snapshotID); err != nil {
				die(err)
			}
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target_id to verify (required)")
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot_id to verify; omit for the target's latest")
	return cmd
}

func runVerifyCmd(targetID, snapshotID string) error {
	if targetID == "" {
		return fmt.Errorf("verify: --target is required")
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
	res, err := eng.Verify(ctx, resolvedID)
	fmt.Printf("snapshot=%s files_verified=%d chunks_verified=%d manifest_parts=%d\n",
		resolvedID, res.FilesVerified, res.ChunksVerified, res.ManifestPartCount)
	if err == nil {
		fmt.Println("verify: OK")
	}
	return err
}
