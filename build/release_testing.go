//go:build testing

package build

// Release is set to "testing" when the testing build tag is supplied; test
// binaries use this to shorten timeouts and retry budgets.
const Release = "testing"

// DEBUG is set to true for test builds.
const DEBUG = true
