package app

import (
	"strings"
	"time"

	"globalchat/internal/config"
	"globalchat/internal/maintenance"
	"globalchat/internal/relay"
	"globalchat/internal/storage"
	logx "globalchat/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    l.Discord.Enabled,
			ChannelID:  config.ParseSnowflake(l.Discord.ChannelID),
			MinLevel:   l.Discord.MinLevel,
			RatePerSec: l.Discord.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && (driver == "sqlite" || driver == "sqlite3") {
		path = "./data/globalchat.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// mapRelayConfig resolves the relay section. Zero values are left for
// relay's own defaults except retry_max, where an explicit 0 disables retries.
func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	r := cfg.Relay
	out := relay.Config{
		Workers:            r.Workers,
		QueueSize:          r.QueueSize,
		MaxInflight:        r.MaxInflight,
		RatePerSec:         r.RatePerSec,
		RetryMax:           relay.DefaultConfig().RetryMax,
		MaxAttachmentBytes: r.MaxAttachmentBytes,
		EndpointName:       strings.TrimSpace(r.EndpointName),
		AvatarHost:         strings.TrimSpace(r.AvatarHost),
		StatusMax:          r.StatusMax,
	}
	if r.RetryMax != nil {
		out.RetryMax = *r.RetryMax
	}
	var err error
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"relay.retry_base", r.RetryBase, &out.RetryBase},
		{"relay.retry_max_delay", r.RetryMaxDelay, &out.RetryMaxDelay},
		{"relay.call_timeout", r.CallTimeout, &out.CallTimeout},
		{"relay.fetch_timeout", r.FetchTimeout, &out.FetchTimeout},
		{"relay.status_ttl", r.StatusTTL, &out.StatusTTL},
	} {
		if *d.dst, err = config.ParseDurationField(d.key, d.raw); err != nil {
			return relay.Config{}, err
		}
	}
	return out, nil
}

// mapMaintenanceConfig resolves the maintenance section. A missing section
// runs every task on its default schedule; empty specs fall back too, so the
// whole section is switched off with "enabled": false.
func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	out := maintenance.DefaultConfig()
	m := cfg.Maintenance
	if m == nil {
		return out, nil
	}
	out.Enabled = m.Enabled
	out.Timezone = strings.TrimSpace(m.Timezone)
	if s := strings.TrimSpace(m.EndpointSweep); s != "" {
		out.EndpointSweep = s
	}
	if s := strings.TrimSpace(m.OrphanSweep); s != "" {
		out.OrphanSweep = s
	}
	if s := strings.TrimSpace(m.StatusSweep); s != "" {
		out.StatusSweep = s
	}
	ttl, err := config.ParseDurationOrDefault("maintenance.endpoint_idle_ttl", m.EndpointIdleTTL, out.EndpointIdleTTL)
	if err != nil {
		return maintenance.Config{}, err
	}
	out.EndpointIdleTTL = ttl
	return out, nil
}

func registerCommands(cfg *config.Config) bool {
	return cfg.Discord.RegisterCommands == nil || *cfg.Discord.RegisterCommands
}
