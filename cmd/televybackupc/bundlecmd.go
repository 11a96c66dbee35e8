package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/bundle"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Export or import a portable TBC2 config bundle",
	}
	cmd.AddCommand(newBundleExportCmd())
	cmd.AddCommand(newBundlePlanCmd())
	cmd.AddCommand(newBundleApplyCmd())
	return cmd
}

func newBundleExportCmd() *cobra.Command {
	var passphrase, hint string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the local config and referenced secrets as a TBC2 string",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			masterKey, err := ac.MasterKey()
			if err != nil {
				die(err)
			}
			if passphrase == "" {
				passphrase = promptSecret("Bundle passphrase: ")
			}
			out, err := bundle.Export(ac.Config, ac.Secrets().Get, masterKey, passphrase, hint)
			if err != nil {
				die(err)
			}
			fmt.Println(out)
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "bundle passphrase (prompted if omitted)")
	cmd.Flags().StringVar(&hint, "hint", "", "human-readable passphrase hint stored in the bundle envelope")
	return cmd
}

func newBundlePlanCmd() *cobra.Command {
	var bundleStr, passphrase string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Dry-run a bundle import: report conflicts without changing anything",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			if passphrase == "" {
				passphrase = promptSecret("Bundle passphrase: ")
			}
			result, err := bundle.Plan(bundleStr, passphrase, ac.Config)
			if err != nil {
				die(err)
			}
			fmt.Printf("targets in bundle: %d, conflicts: %d\n", len(result.Payload.Config.Targets), len(result.Conflicts))
			for _, c := range result.Conflicts {
				fmt.Printf("  conflict: target=%s local=(%s,%s) bundle=(%s,%s)\n",
					c.TargetID, c.LocalSourcePath, c.LocalEndpointID, c.BundleSourcePath, c.BundleEndpointID)
			}
			if len(result.Payload.Missing) > 0 {
				fmt.Printf("missing secrets (were not in the exporting device's store): %v\n", result.Payload.Missing)
			}
		},
	}
	cmd.Flags().StringVar(&bundleStr, "bundle", "", "TBC2:... bundle string (required)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "bundle passphrase (prompted if omitted)")
	return cmd
}

func newBundleApplyCmd() *cobra.Command {
	var bundleStr, passphrase, confirm string
	var resolutionFlags []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a bundle import, merging targets and writing secrets (requires typing IMPORT)",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			if passphrase == "" {
				passphrase = promptSecret("Bundle passphrase: ")
			}
			resolutions := make(map[string]bundle.ConflictResolution, len(resolutionFlags))
			for _, r := range resolutionFlags {
				parts := strings.SplitN(r, "=", 2)
				if len(parts) != 2 {
					die(fmt.Errorf("apply: malformed --resolve %q, want target_id=resolution", r))
				}
				resolutions[parts[0]] = bundle.ConflictResolution(parts[1])
			}
			merged, err := bundle.Apply(bundleStr, passphrase, confirm, ac.Config, resolutions, ac.Secrets().Set)
			if err != nil {
				die(err)
			}
			fmt.Printf("applied bundle: %d target(s) in merged config\n", len(merged.Targets))
		},
	}
	cmd.Flags().StringVar(&bundleStr, "bundle", "", "TBC2:... bundle string (required)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "bundle passphrase (prompted if omitted)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "must be exactly IMPORT to apply")
	cmd.Flags().StringArrayVar(&resolutionFlags, "resolve", nil, "target_id=overwrite_local|overwrite_remote|rebind|skip, repeatable")
	return cmd
}

// promptSecret reads one line from stdin without echoing a prompt
// password-style (kept simple: a real TTY-aware no-echo read belongs to
// the GUI's interactive surface).
func promptSecret(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}
