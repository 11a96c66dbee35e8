package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/cryptframe"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the local secrets store and master key",
	}
	cmd.AddCommand(newVaultInitCmd())
	cmd.AddCommand(newVaultExportKeyCmd())
	cmd.AddCommand(newVaultImportKeyCmd())
	return cmd
}

func newVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate and store a fresh master key, if one is not already present",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			if _, err := ac.Secrets().MasterKey(); err == nil {
				die(fmt.Errorf("vault: a master key is already present; use 'vault export-key' to view it"))
			}
			key := cryptframe.GenerateKey()
			if err := ac.Secrets().SetMasterKey(key); err != nil {
				die(err)
			}
			fmt.Println("master key initialized")
		},
	}
}

func newVaultExportKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-key",
		Short: "Print the active master key as a portable TBK1:... string",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			key, err := ac.MasterKey()
			if err != nil {
				die(err)
			}
			fmt.Println(key.String())
		},
	}
}

func newVaultImportKeyCmd() *cobra.Command {
	var keyStr string
	cmd := &cobra.Command{
		Use:   "import-key",
		Short: "Import a TBK1:... master key string, overwriting the current one",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			key, err := cryptframe.ParseKeyString(keyStr)
			if err != nil {
				die(err)
			}
			if err := ac.Secrets().SetMasterKey(key); err != nil {
				die(err)
			}
			fmt.Println("master key imported")
		},
	}
	cmd.Flags().StringVar(&keyStr, "key", "", "TBK1:... master key string (required)")
	return cmd
}
