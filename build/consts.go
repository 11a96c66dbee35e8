package build

import "fmt"

var (
	// Version is the current version of televybackup.
	Version = "0.1.0"

	// GitRevision is set via -ldflags by the release build; empty in
	// locally-built binaries.
	GitRevision string

	// IssuesURL is printed in crash/log output so a user knows where to
	// file a bug report.
	IssuesURL = "https://github.com/televybackup/televybackup/issues"
)

// Critical should be called if there is a condition that should never be
// able to happen. Critical logs the error to stderr and then panics,
// so an invariant violation fails fast in development builds.
func Critical(args ...interface{}) {
	panic(fmt.Sprint(append([]interface{}{"Critical error:"}, args...)...))
}

