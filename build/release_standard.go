//go:build !debug && !testing

package build

// Release is set to "standard" for a normal binary build.
const Release = "standard"

// DEBUG is set to false for a normal binary build.
const DEBUG = false
