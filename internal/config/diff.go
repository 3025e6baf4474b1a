package config

import (
	"reflect"
	"sort"
	"strings"

	logx "globalchat/pkg/logx"
)

// RestartSections lists sections that only take effect after a restart.
var RestartSections = map[string]bool{"discord": true, "storage": true}

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured fields for logging. Tokens and DSNs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || strings.TrimSpace(od.GuildID) != strings.TrimSpace(nd.GuildID) ||
		!reflect.DeepEqual(od.RegisterCommands, nd.RegisterCommands) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.Bool("discord.guild_scoped", strings.TrimSpace(nd.GuildID) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		ost.DSN != nst.DSN || ost.BusyTimeout != nst.BusyTimeout || ost.MaxConns != nst.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		r := newCfg.Relay
		attrs = append(attrs,
			logx.Int("relay.workers", r.Workers),
			logx.Int("relay.max_inflight", r.MaxInflight),
			logx.Int("relay.rate_per_sec", r.RatePerSec),
			logx.String("relay.call_timeout", strings.TrimSpace(r.CallTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		enabled := newCfg.Maintenance == nil || newCfg.Maintenance.Enabled
		attrs = append(attrs, logx.Bool("maintenance.enabled", enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}
