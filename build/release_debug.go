//go:build debug

package build

// Release is set to "dev" for a debug build.
const Release = "dev"

// DEBUG is set to true for a debug build.
const DEBUG = true
