package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/build"
)

// exit codes, inspired by sysexits.h, shared with cmd/televybackupc.
const (
	exitCodeGeneral = 1  // Not in sysexits.h, but is standard practice.
	exitCodeUsage   = 64 // EX_USAGE in sysexits.h
)

// die prints its arguments to stderr, then exits the program with the
// default error code.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// versionCmd is a cobra command that prints the daemon's version.
func versionCmd(*cobra.Command, []string) {
	fmt.Println("TelevyBackup Daemon v" + build.Version + " (" + build.Release + ")")
}

// main establishes the daemon's commands and flags using cobra.
func main() {
	if build.DEBUG {
		fmt.Println("Running with debugging enabled")
	}
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "TelevyBackup Daemon v" + build.Version,
		Long:  "TelevyBackup Daemon v" + build.Version + ": watches for backup triggers and runs scheduled targets",
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   versionCmd,
	})

	root.Flags().StringVarP(&globalConfig.pollInterval, "poll-interval", "", "2s", "how often to check for the control/backup-now trigger file")
	root.Flags().BoolVarP(&globalConfig.once, "once", "", false, "run every enabled target once and exit, instead of watching for triggers")

	if err := root.Execute(); err != nil {
		// Since no commands return errors (all commands set Command.Run
		// instead of Command.RunE), Command.Execute() should only return
		// an error on an invalid command or flag, after having already
		// called Command.Usage().
		os.Exit(exitCodeUsage)
	}
}

// daemonConfig holds the flag-derived configuration.
type daemonConfig struct {
	pollInterval string
	once         bool
}

var globalConfig daemonConfig
