// Package config parses and validates televybackup's config.toml (schema
// v2). Parsing and validation are separate steps so that callers editing
// the file (settings set) can validate a candidate before writing it.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/televybackup/televybackup/internal/storage"
)

// SchemaVersion is the only accepted top-level `version` value.
const SchemaVersion = 2

// Config is the parsed, validated contents of config.toml.
type Config struct {
	Version          int                `toml:"version"`
	Schedule         Schedule           `toml:"schedule"`
	Retention        Retention          `toml:"retention"`
	Chunking         Chunking           `toml:"chunking"`
	Telegram         TelegramSection    `toml:"telegram"`
	TelegramEndpoint []TelegramEndpoint `toml:"telegram_endpoints"`
	Targets          []Target           `toml:"targets"`
}

// Schedule controls when the daemon's cron trigger loop runs a backup.
// The trigger loop itself lives outside this module; this struct only
// carries the schedule data it consumes.
type Schedule struct {
	CronExpr string `toml:"cron_expr"`
	Enabled  bool   `toml:"enabled"`
}

// Retention controls local-only keep-last-N snapshot pruning. Remote
// objects are never garbage collected.
type Retention struct {
	KeepLastN int `toml:"keep_last_n"`
}

// Chunking carries the content-defined chunking bounds.
type Chunking struct {
	MinBytes uint32 `toml:"min_bytes"`
	AvgBytes uint32 `toml:"avg_bytes"`
	MaxBytes uint32 `toml:"max_bytes"`
}

// TelegramSection is the [telegram] table; the credentials themselves
// live in its [telegram.mtproto] subtable.
type TelegramSection struct {
	MTProto TelegramMTProto `toml:"mtproto"`
}

// TelegramMTProto carries the credentials shared across every endpoint's
// MTProto session.
type TelegramMTProto struct {
	APIID      int64  `toml:"api_id"`
	APIHashKey string `toml:"api_hash_key"`
	SessionKey string `toml:"session_key"`
}

// TelegramEndpoint is a (bot token, chat_id) pair with its own index and
// catalog.
type TelegramEndpoint struct {
	EndpointID        string    `toml:"endpoint_id"`
	ChatID            string    `toml:"chat_id"`
	BotTokenKey       string    `toml:"bot_token_key"`
	MTProtoSessionKey string    `toml:"mtproto_session_key"`
	RateLimit         RateLimit `toml:"rate_limit"`
}

// RateLimit carries the per-endpoint upload concurrency, pacing, and
// bandwidth controls.
type RateLimit struct {
	MaxConcurrentUploads int   `toml:"max_concurrent_uploads"`
	MinDelayMs           int   `toml:"min_delay_ms"`
	UploadBPS            int64 `toml:"upload_bps"` // aggregate bytes/sec across workers; 0 = unlimited
}

// Target is one backed-up source tree, bound to an endpoint.
type Target struct {
	TargetID   string   `toml:"target_id"`
	EndpointID string   `toml:"endpoint_id"`
	SourcePath string   `toml:"source_path"`
	Label      string   `toml:"label"`
	Excludes   []string `toml:"excludes"`
}

// Load parses and validates the config.toml at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unable to parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies every cross-field constraint: schema version,
// chat_id uniqueness, target→endpoint references, and chunking bounds.
func Validate(cfg Config) error {
	if cfg.Version != SchemaVersion {
		return fmt.Errorf("config.invalid: version must be %d, got %d", SchemaVersion, cfg.Version)
	}

	endpoints := make(map[string]bool, len(cfg.TelegramEndpoint))
	chatIDs := make(map[string]string, len(cfg.TelegramEndpoint))
	for _, ep := range cfg.TelegramEndpoint {
		if ep.EndpointID == "" {
			return fmt.Errorf("config.invalid: telegram_endpoints entry missing endpoint_id")
		}
		if endpoints[ep.EndpointID] {
			return fmt.Errorf("config.invalid: duplicate endpoint_id %q", ep.EndpointID)
		}
		endpoints[ep.EndpointID] = true

		if owner, dup := chatIDs[ep.ChatID]; dup {
			return fmt.Errorf("config.invalid: chat_id %q used by both %q and %q", ep.ChatID, owner, ep.EndpointID)
		}
		chatIDs[ep.ChatID] = ep.EndpointID

		if ep.RateLimit.MaxConcurrentUploads < 0 || ep.RateLimit.MinDelayMs < 0 || ep.RateLimit.UploadBPS < 0 {
			return fmt.Errorf("config.invalid: endpoint %q has a negative rate_limit field", ep.EndpointID)
		}
	}

	targetIDs := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.TargetID == "" {
			return fmt.Errorf("config.invalid: targets entry missing target_id")
		}
		if targetIDs[t.TargetID] {
			return fmt.Errorf("config.invalid: duplicate target_id %q", t.TargetID)
		}
		targetIDs[t.TargetID] = true
		if !endpoints[t.EndpointID] {
			return fmt.Errorf("config.invalid: target %q references unknown endpoint_id %q", t.TargetID, t.EndpointID)
		}
		if t.SourcePath == "" {
			return fmt.Errorf("config.invalid: target %q missing source_path", t.TargetID)
		}
	}

	return validateChunking(cfg.Chunking)
}

// validateChunking enforces min <= avg <= max, all positive, and
// max+41 <= EngineeredUploadMax. An entirely omitted [chunking] section
// is valid; DefaultChunking applies at use time.
func validateChunking(c Chunking) error {
	if c == (Chunking{}) {
		return nil
	}
	if c.MinBytes == 0 || c.AvgBytes == 0 || c.MaxBytes == 0 {
		return fmt.Errorf("config.invalid: chunking bounds must all be positive")
	}
	if !(c.MinBytes <= c.AvgBytes && c.AvgBytes <= c.MaxBytes) {
		return fmt.Errorf("config.invalid: chunking bounds must satisfy min <= avg <= max")
	}
	if uint64(c.MaxBytes)+storage.FrameOverhead > storage.EngineeredUploadMax {
		return fmt.Errorf("config.invalid: max_bytes+%d exceeds EngineeredUploadMax (%d)", storage.FrameOverhead, storage.EngineeredUploadMax)
	}
	return nil
}

// DefaultChunking returns the chunking parameters used when config.toml
// omits the [chunking] section: min=256KiB, avg=1MiB, max=4MiB.
func DefaultChunking() Chunking {
	return Chunking{
		MinBytes: 256 << 10,
		AvgBytes: 1 << 20,
		MaxBytes: 4 << 20,
	}
}
