package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "globalchat/pkg/logx"
)

// CronParser accepts 5- or 6-field specs and descriptors ("@every 10m").
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects configs that cannot be applied. Service-specific range
// checks live in the mappers in internal/app; this covers shape and syntax.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return fmt.Errorf("discord.token is empty (set it in the file or via %s)", EnvToken)
	}
	if err := validSnowflake("discord.guild_id", cfg.Discord.GuildID); err != nil {
		return err
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Discord.MinLevel) {
		return fmt.Errorf("logging.discord.min_level: unknown level %q", cfg.Logging.Discord.MinLevel)
	}
	if err := validSnowflake("logging.discord.channel_id", cfg.Logging.Discord.ChannelID); err != nil {
		return err
	}
	if cfg.Logging.Discord.RatePerSec < 0 {
		return errors.New("logging.discord.rate_per_sec must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q (or set %s)", cfg.Storage.Driver, EnvDatabaseURL)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	if cfg.Storage.MaxConns < 0 {
		return errors.New("storage.max_conns must be >= 0")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	r := cfg.Relay
	for name, v := range map[string]int{
		"relay.workers":      r.Workers,
		"relay.queue_size":   r.QueueSize,
		"relay.max_inflight": r.MaxInflight,
		"relay.rate_per_sec": r.RatePerSec,
		"relay.status_max":   r.StatusMax,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if r.RetryMax != nil && *r.RetryMax < 0 {
		return errors.New("relay.retry_max must be >= 0")
	}
	if r.MaxAttachmentBytes < 0 {
		return errors.New("relay.max_attachment_bytes must be >= 0")
	}
	for name, raw := range map[string]string{
		"relay.retry_base":      r.RetryBase,
		"relay.retry_max_delay": r.RetryMaxDelay,
		"relay.call_timeout":    r.CallTimeout,
		"relay.fetch_timeout":   r.FetchTimeout,
		"relay.status_ttl":      r.StatusTTL,
	} {
		if _, err := ParseDurationField(name, raw); err != nil {
			return err
		}
	}
	if len([]rune(strings.TrimSpace(r.EndpointName))) > 80 {
		return errors.New("relay.endpoint_name must be at most 80 characters")
	}

	if m := cfg.Maintenance; m != nil {
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := ParseDurationField("maintenance.endpoint_idle_ttl", m.EndpointIdleTTL); err != nil {
			return err
		}
		for name, spec := range map[string]string{
			"maintenance.endpoint_sweep": m.EndpointSweep,
			"maintenance.orphan_sweep":   m.OrphanSweep,
			"maintenance.status_sweep":   m.StatusSweep,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := CronParser.Parse(spec); err != nil {
				return fmt.Errorf("%s: invalid schedule %q: %w", name, spec, err)
			}
		}
	}
	return nil
}

func validSnowflake(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("%s: invalid id %q", path, raw)
	}
	return nil
}

// ParseSnowflake parses an optional ID field. Empty returns 0.
func ParseSnowflake(raw string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return v
}
