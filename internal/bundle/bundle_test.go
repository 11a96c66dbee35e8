package bundle

import (
	"testing"

	"github.com/televybackup/televybackup/internal/config"
	"github.com/televybackup/televybackup/internal/cryptframe"
)

func fixtureConfig() config.Config {
	return config.Config{
		Version: 2,
		Telegram: config.TelegramSection{
			MTProto: config.TelegramMTProto{
				APIID:      12345,
				APIHashKey: "telegram.mtproto.api_hash_key",
			},
		},
		TelegramEndpoint: []config.TelegramEndpoint{
			{
				EndpointID:        "ep1",
				ChatID:            "-100123",
				BotTokenKey:       "ep1.bot_token_key",
				MTProtoSessionKey: "ep1.mtproto_session_key",
			},
		},
		Targets: []config.Target{
			{TargetID: "t1", EndpointID: "ep1", SourcePath: "/home/user/docs", Label: "docs"},
		},
	}
}

func fixtureSecrets() map[string]string {
	return map[string]string{
		"telegram.mtproto.api_hash_key": "api-hash-value",
		"ep1.bot_token_key":             "bot-token-value",
		"ep1.mtproto_session_key":       "session-bytes",
	}
}

func TestExportThenPlanRoundTrips(t *testing.T) {
	cfg := fixtureConfig()
	secrets := fixtureSecrets()
	get := func(key string) (string, bool, error) {
		v, ok := secrets[key]
		return v, ok, nil
	}

	masterKey := cryptframe.GenerateKey()
	bundleStr, err := Export(cfg, get, masterKey, "correct horse battery staple", "test export")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	plan, err := Plan(bundleStr, "correct horse battery staple", config.Config{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Payload.Config.Targets) != 1 || plan.Payload.Config.Targets[0].TargetID != "t1" {
		t.Fatalf("unexpected targets in recovered payload: %+v", plan.Payload.Config.Targets)
	}
	if plan.Payload.Secrets["ep1.bot_token_key"] != "bot-token-value" {
		t.Fatalf("bot token not recovered")
	}
	if len(plan.Payload.Excluded) != 1 || plan.Payload.Excluded[0] != "ep1.mtproto_session_key" {
		t.Fatalf("expected the mtproto session key to be excluded, got %+v", plan.Payload.Excluded)
	}
}

func TestPlanWrongPassphraseFails(t *testing.T) {
	cfg := fixtureConfig()
	secrets := fixtureSecrets()
	get := func(key string) (string, bool, error) {
		v, ok := secrets[key]
		return v, ok, nil
	}
	bundleStr, err := Export(cfg, get, cryptframe.GenerateKey(), "right-passphrase", "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := Plan(bundleStr, "wrong-passphrase", config.Config{}); err == nil {
		t.Fatal("expected Plan with the wrong passphrase to fail")
	}
}

func TestApplyDetectsConflictAndRequiresConfirmation(t *testing.T) {
	cfg := fixtureConfig()
	secrets := fixtureSecrets()
	get := func(key string) (string, bool, error) {
		v, ok := secrets[key]
		return v, ok, nil
	}
	bundleStr, err := Export(cfg, get, cryptframe.GenerateKey(), "pw", "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	localCfg := config.Config{
		Targets: []config.Target{
			{TargetID: "t1", EndpointID: "ep1", SourcePath: "/different/path"},
		},
	}

	set := func(key, value string) error { return nil }

	if _, err := Apply(bundleStr, "pw", confirmPhrase, localCfg, nil, set); err == nil {
		t.Fatal("expected Apply to fail on an unresolved conflict")
	}
	if _, err := Apply(bundleStr, "pw", "not-the-phrase", localCfg, map[string]ConflictResolution{"t1": Skip}, set); err == nil {
		t.Fatal("expected Apply to require the typed confirmation phrase")
	}

	merged, err := Apply(bundleStr, "pw", confirmPhrase, localCfg, map[string]ConflictResolution{"t1": OverwriteLocal}, set)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(merged.Targets) != 1 || merged.Targets[0].SourcePath != "/home/user/docs" {
		t.Fatalf("expected overwrite_local to adopt the bundle's target, got %+v", merged.Targets)
	}
}
