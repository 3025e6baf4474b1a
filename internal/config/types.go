package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "10s", "1m"). Omitted fields fall back to the defaults applied by
// the services that consume them.
type Config struct {
	Discord     DiscordConfig      `json:"discord"`
	Logging     LoggingConfig      `json:"logging"`
	Storage     StorageConfig      `json:"storage"`
	Relay       RelayConfig        `json:"relay"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// DiscordConfig holds the bot credentials. Token may be left empty in the
// file and supplied via DISCORD_TOKEN instead.
type DiscordConfig struct {
	Token string `json:"token"`
	// GuildID scopes command registration to one guild (useful while testing;
	// global registration can take a while to propagate). Empty means global.
	GuildID          string `json:"guild_id,omitempty"`
	RegisterCommands *bool  `json:"register_commands,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the registry backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/globalchat.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/globalchat" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// RelayConfig tunes the fan-out pipeline.
//
// Defaults (when omitted/zero):
//   - workers: 4, queue_size: 512
//   - max_inflight: 16, rate_per_sec: 20
//   - retry_max: 2, retry_base: "300ms", retry_max_delay: "10s"
//   - call_timeout: "10s", fetch_timeout: "15s"
//   - max_attachment_bytes: 8 MiB
//   - endpoint_name: "globalchat", avatar_host: "cdn.discordapp.com"
type RelayConfig struct {
	Workers            int    `json:"workers,omitempty"`
	QueueSize          int    `json:"queue_size,omitempty"`
	MaxInflight        int    `json:"max_inflight,omitempty"`
	RatePerSec         int    `json:"rate_per_sec,omitempty"`
	RetryMax           *int   `json:"retry_max,omitempty"`
	RetryBase          string `json:"retry_base,omitempty"`
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`
	CallTimeout        string `json:"call_timeout,omitempty"`
	FetchTimeout       string `json:"fetch_timeout,omitempty"`
	MaxAttachmentBytes int64  `json:"max_attachment_bytes,omitempty"`
	EndpointName       string `json:"endpoint_name,omitempty"`
	AvatarHost         string `json:"avatar_host,omitempty"`
	StatusMax          int    `json:"status_max,omitempty"`
	StatusTTL          string `json:"status_ttl,omitempty"`
}

// MaintenanceConfig schedules housekeeping. Specs accept 5- or 6-field cron
// expressions and descriptors like "@every 10m". A nil section means enabled
// with defaults.
type MaintenanceConfig struct {
	Enabled         bool   `json:"enabled"`
	Timezone        string `json:"timezone,omitempty"`
	EndpointSweep   string `json:"endpoint_sweep,omitempty"`
	EndpointIdleTTL string `json:"endpoint_idle_ttl,omitempty"`
	OrphanSweep     string `json:"orphan_sweep,omitempty"`
	StatusSweep     string `json:"status_sweep,omitempty"`
}
