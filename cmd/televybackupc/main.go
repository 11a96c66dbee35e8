package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/build"
)

// exit codes, inspired by sysexits.h, shared with cmd/televybackupd.
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

// die prints its arguments to stderr, then exits the program.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// main assembles televybackupc's command tree: one command group per
// subsystem, registered onto a single cobra root.
func main() {
	root := &cobra.Command{
		Use:   "televybackupc",
		Short: "TelevyBackup Client v" + build.Version,
		Long:  "TelevyBackup Client v" + build.Version + ": operator CLI for backup, restore, verify, and config bundles",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println("TelevyBackup Client v" + build.Version + " (" + build.Release + ")")
		},
	})

	root.AddCommand(newBackupCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newBundleCmd())
	root.AddCommand(newVaultCmd())
	root.AddCommand(newSettingsCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newBootstrapCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}
