package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		Version:  2,
		Chunking: DefaultChunking(),
		TelegramEndpoint: []TelegramEndpoint{
			{EndpointID: "home", ChatID: "-100111", RateLimit: RateLimit{MaxConcurrentUploads: 2, MinDelayMs: 250}},
		},
		Targets: []Target{
			{TargetID: "documents", EndpointID: "home", SourcePath: "/home/user/Documents"},
		},
	}
}

// TestLoadParsesTelegramMTProtoSection checks that the documented
// [telegram.mtproto] table lands in Config.Telegram.MTProto rather than
// silently parsing to zero values.
func TestLoadParsesTelegramMTProtoSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	raw := `
version = 2

[telegram.mtproto]
api_id = 12345
api_hash_key = "telegram.mtproto.api_hash"
session_key = "telegram.mtproto.session"

[[telegram_endpoints]]
endpoint_id = "home"
chat_id = "-100111"
bot_token_key = "telegram.bot_token.home"
  [telegram_endpoints.rate_limit]
  max_concurrent_uploads = 2
  min_delay_ms = 250
  upload_bps = 1048576

[[targets]]
target_id = "documents"
endpoint_id = "home"
source_path = "/home/user/Documents"
`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.MTProto.APIID != 12345 {
		t.Fatalf("api_id = %d, want 12345", cfg.Telegram.MTProto.APIID)
	}
	if cfg.Telegram.MTProto.APIHashKey != "telegram.mtproto.api_hash" {
		t.Fatalf("api_hash_key = %q", cfg.Telegram.MTProto.APIHashKey)
	}
	if cfg.TelegramEndpoint[0].RateLimit.UploadBPS != 1<<20 {
		t.Fatalf("upload_bps = %d, want %d", cfg.TelegramEndpoint[0].RateLimit.UploadBPS, 1<<20)
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Version = 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for wrong schema version")
	}
}

func TestValidateRejectsDuplicateChatID(t *testing.T) {
	cfg := validConfig()
	cfg.TelegramEndpoint = append(cfg.TelegramEndpoint, TelegramEndpoint{
		EndpointID: "other", ChatID: "-100111",
	})
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate chat_id")
	}
}

func TestValidateRejectsUnknownEndpointReference(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].EndpointID = "does-not-exist"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown endpoint_id reference")
	}
}

func TestValidateRejectsBadChunkingOrder(t *testing.T) {
	cfg := validConfig()
	cfg.Chunking = Chunking{MinBytes: 10, AvgBytes: 5, MaxBytes: 20}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for min > avg")
	}
}

func TestValidateRejectsOversizedMax(t *testing.T) {
	cfg := validConfig()
	cfg.Chunking = Chunking{MinBytes: 1, AvgBytes: 1, MaxBytes: 128 << 20}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for max_bytes exceeding EngineeredUploadMax after overhead")
	}
}
