package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/catalog"
)

// newBootstrapCmd inspects an endpoint's pinned bootstrap catalog
// directly, without running a backup, for diagnosing "a new device
// can't find the latest snapshot" complaints.
func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Inspect an endpoint's pinned bootstrap catalog",
	}
	cmd.AddCommand(newBootstrapShowCmd())
	return cmd
}

func newBootstrapShowCmd() *cobra.Command {
	var endpointID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Decrypt and print an endpoint's pinned bootstrap catalog",
		Run: func(*cobra.Command, []string) {
			if err := runBootstrapShowCmd(endpointID); err != nil {
				die(err)
			}
		},
	}
	cmd.Flags().StringVar(&endpointID, "endpoint", "", "endpoint_id to inspect (required)")
	return cmd
}

func runBootstrapShowCmd(endpointID string) error {
	if endpointID == "" {
		return fmt.Errorf("bootstrap show: --endpoint is required")
	}
	ac, err := app.Load()
	if err != nil {
		return err
	}
	endpoint, err := ac.Endpoint(endpointID)
	if err != nil {
		return err
	}
	masterKey, err := ac.MasterKey()
	if err != nil {
		return err
	}
	sc := ac.Storage(endpoint.EndpointID)

	cat, ok, err := catalog.Fetch(context.Background(), sc, endpoint.ChatID, masterKey)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("bootstrap: no catalog pinned yet for this endpoint")
		return nil
	}
	fmt.Printf("catalog version=%d updated_at=%s\n", cat.Version, cat.UpdatedAt)
	for _, t := range cat.Targets {
		fmt.Printf("  target=%s source_path=%s label=%s latest_snapshot=%s manifest=%s\n",
			t.TargetID, t.SourcePath, t.Label, t.Latest.SnapshotID, t.Latest.ManifestObjectID)
	}
	return nil
}
