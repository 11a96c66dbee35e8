package build

import (
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/uplo-tech/fastrand"
)

// APIPassword returns the control-socket password either from the
// environment variable or from the password file. If no environment
// variable is set and no file exists, a password file is created and that
// password is returned.
func APIPassword() (string, error) {
	// Check the environment variable.
	pw := os.Getenv(televyAPIPassword)
	if pw != "" {
		return pw, nil
	}

	// Try to read the password from disk.
	path := apiPasswordFilePath()
	pwFile, err := ioutil.ReadFile(path)
	if err == nil {
		// This is the "normal" case, so don't print anything.
		return strings.TrimSpace(string(pwFile)), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	// No password file; generate a secure one.
	pw, err = createAPIPasswordFile()
	if err != nil {
		return "", err
	}
	return pw, nil
}

// ConfigDir returns the televybackupd config directory, either from the
// environment variable or the default.
func ConfigDir() string {
	dir := os.Getenv(televyConfigDir)
	if dir == "" {
		dir = defaultDir("televybackup")
	}
	return dir
}

// DataDir returns the televybackupd data directory
// either from the environment variable or the default.
func DataDir() string {
	dir := os.Getenv(televyDataDir)
	if dir == "" {
		dir = filepath.Join(defaultDir("televybackup"), "data")
	}
	return dir
}

// LogDir returns the televybackupd log directory
// either from the environment variable or the default.
func LogDir() string {
	dir := os.Getenv(televyLogDir)
	if dir == "" {
		dir = filepath.Join(defaultDir("televybackup"), "logs")
	}
	return dir
}

// MasterKeyOverride returns the TELEVYBACKUP_MASTER_KEY environment
// variable, used by tests and CI to skip the keychain/vault.key lookup.
func MasterKeyOverride() string {
	return os.Getenv(televyMasterKey)
}

// KeychainDisabled reports whether DISABLE_KEYCHAIN is set: the
// vault key is then read from $CONFIG_DIR/vault.key instead of the OS
// keychain.
func KeychainDisabled() bool {
	return os.Getenv(televyDisableKeychain) != ""
}

// apiPasswordFilePath returns the path to the control-socket password file.
// The password file is stored in the config directory.
func apiPasswordFilePath() string {
	return filepath.Join(ConfigDir(), "apipassword")
}

// createAPIPasswordFile creates an api password file in the config
// directory and returns the newly created password.
func createAPIPasswordFile() (string, error) {
	err := os.MkdirAll(ConfigDir(), 0700)
	if err != nil {
		return "", err
	}
	// Ensure ConfigDir has the correct mode as MkdirAll won't change the mode
	// of an existent directory. We specifically use 0700 in order to prevent
	// potential attackers from accessing the sensitive information inside,
	// both by reading the contents of the directory and/or by creating files
	// with specific names which televybackupd would later on read from
	// and/or write to.
	err = os.Chmod(ConfigDir(), 0700)
	if err != nil {
		return "", err
	}
	pw := hex.EncodeToString(fastrand.Bytes(16))
	err = ioutil.WriteFile(apiPasswordFilePath(), []byte(pw+"\n"), 0600)
	if err != nil {
		return "", err
	}
	return pw, nil
}

// defaultDir returns the default config directory for appName. The values
// for supported operating systems are:
//
// Linux:   $HOME/.config/<appName>
// MacOS:   $HOME/Library/Application Support/<appName>
// Windows: %LOCALAPPDATA%\<appName>
func defaultDir(appName string) string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), appName)
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", appName)
	default:
		return filepath.Join(os.Getenv("HOME"), ".config", appName)
	}
}
