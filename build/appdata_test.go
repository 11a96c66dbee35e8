package build

import (
	"os"
	"testing"
)

// TestAPIPassword tests getting and setting the control-socket password.
func TestAPIPassword(t *testing.T) {
	// Unset any defaults, this only affects in memory state. Any Env Vars will
	// remain intact on disk
	err := os.Unsetenv(televyAPIPassword)
	if err != nil {
		t.Error(err)
	}

	// Calling APIPassword should return a non-blank password if the env
	// variable isn't set
	pw, err := APIPassword()
	if err != nil {
		t.Error(err)
	}
	if pw == "" {
		t.Error("Password should not be blank")
	}

	// Test setting the env variable
	newPW := "abc123"
	err = os.Setenv(televyAPIPassword, newPW)
	if err != nil {
		t.Error(err)
	}
	pw, err = APIPassword()
	if err != nil {
		t.Error(err)
	}
	if pw != newPW {
		t.Errorf("Expected password to be %v but was %v", newPW, pw)
	}
}

// TestDataDir tests getting and setting the data directory.
func TestDataDir(t *testing.T) {
	err := os.Unsetenv(televyDataDir)
	if err != nil {
		t.Error(err)
	}

	newDir := "foo/bar"
	err = os.Setenv(televyDataDir, newDir)
	if err != nil {
		t.Error(err)
	}
	dir := DataDir()
	if dir != newDir {
		t.Errorf("Expected DataDir to be %v but was %v", newDir, dir)
	}
}

// TestConfigDir tests getting and setting the config directory.
func TestConfigDir(t *testing.T) {
	err := os.Unsetenv(televyConfigDir)
	if err != nil {
		t.Error(err)
	}

	configDir := ConfigDir()
	if configDir != defaultDir("televybackup") {
		t.Errorf("Expected ConfigDir to be %v but was %v", defaultDir("televybackup"), configDir)
	}

	newDir := "foo/bar"
	err = os.Setenv(televyConfigDir, newDir)
	if err != nil {
		t.Error(err)
	}
	configDir = ConfigDir()
	if configDir != newDir {
		t.Errorf("Expected ConfigDir to be %v but was %v", newDir, configDir)
	}
}

// TestKeychainDisabled tests the DISABLE_KEYCHAIN toggle.
func TestKeychainDisabled(t *testing.T) {
	err := os.Unsetenv(televyDisableKeychain)
	if err != nil {
		t.Error(err)
	}
	if KeychainDisabled() {
		t.Error("expected keychain to be enabled by default")
	}
	err = os.Setenv(televyDisableKeychain, "1")
	if err != nil {
		t.Error(err)
	}
	if !KeychainDisabled() {
		t.Error("expected keychain to be disabled once DISABLE_KEYCHAIN is set")
	}
	_ = os.Unsetenv(televyDisableKeychain)
}
