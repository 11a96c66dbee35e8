package build

var (
	// televyAPIPassword is the environment variable that sets a custom
	// control-socket password if the default is not used.
	televyAPIPassword = "TELEVYBACKUP_API_PASSWORD"

	// televyDataDir is the environment variable that tells televybackupd
	// where to put $DATA_DIR (index, cache, status, ipc, control).
	televyDataDir = "TELEVYBACKUP_DATA_DIR"

	// televyConfigDir is the environment variable that tells televybackupd
	// where to put $CONFIG_DIR (config.toml, secrets.enc, vault.key).
	televyConfigDir = "TELEVYBACKUP_CONFIG_DIR"

	// televyLogDir is the environment variable that tells televybackupd where
	// to put $LOG_DIR (per-run NDJSON logs, ui.log).
	televyLogDir = "TELEVYBACKUP_LOG_DIR"

	// televyMasterKey lets a caller inject TBK1:... directly, bypassing the
	// keychain/vault.key lookup. Used by tests and by CI.
	televyMasterKey = "TELEVYBACKUP_MASTER_KEY"

	// televyDisableKeychain mirrors DISABLE_KEYCHAIN: when
	// set, the vault key lives in $CONFIG_DIR/vault.key instead of the OS
	// keychain.
	televyDisableKeychain = "DISABLE_KEYCHAIN"
)
