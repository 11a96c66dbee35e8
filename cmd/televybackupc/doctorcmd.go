package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
)

// newDoctorCmd runs Storage.Validate's upload/download/compare round trip
// against a configured endpoint. Read-only apart from the throwaway blob
// it uploads; no secrets appear in the output.
func newDoctorCmd() *cobra.Command {
	var endpointID string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Round-trip a small blob through an endpoint to check connectivity",
		Run: func(*cobra.Command, []string) {
			if err := runDoctorCmd(endpointID); err != nil {
				die(err)
			}
		},
	}
	cmd.Flags().StringVar(&endpointID, "endpoint", "", "endpoint_id to check (required)")
	return cmd
}

func runDoctorCmd(endpointID string) error {
	if endpointID == "" {
		return fmt.Errorf("doctor: --endpoint is required")
	}
	ac, err := app.Load()
	if err != nil {
		return err
	}
	endpoint, err := ac.Endpoint(endpointID)
	if err != nil {
		return err
	}
	sc := ac.Storage(endpoint.EndpointID)
	if err := sc.Validate(context.Background(), endpoint.ChatID); err != nil {
		return err
	}
	fmt.Printf("endpoint %s: OK\n", endpointID)
	return nil
}
