package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseJSONStrict(t *testing.T) {
	p := writeFile(t, "config.json", `{"discord":{"token":"x"},"relay":{"wokers":2}}`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "wokers") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, "config.json", `{"discord":{"token":"x"}}{"discord":{}}`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
discord:
  token: abc
storage:
  driver: sqlite
  path: ./data/gc.db
relay:
  workers: 3
  call_timeout: 5s
`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Discord.Token != "abc" || cfg.Relay.Workers != 3 || cfg.Storage.Path != "./data/gc.db" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestParseJSONC(t *testing.T) {
	p := writeFile(t, "config.jsonc", `{
  // bot credentials
  "discord": { "token": "abc", },
  /* relay tuning */
  "relay": { "max_inflight": 8 },
}`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Relay.MaxInflight != 8 {
		t.Fatalf("MaxInflight = %d, want 8", cfg.Relay.MaxInflight)
	}
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, "config.json", `{"discord":{"token":"from-file"}}`)
	m := NewConfigManager(p)
	m.getenv = func(k string) string {
		switch k {
		case EnvToken:
			return "from-env"
		case EnvDatabaseURL:
			return "postgres://bot@localhost/gc"
		}
		return ""
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Fatalf("token = %q, want from-env", cfg.Discord.Token)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v, want postgres with dsn", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]*Config{
		"missing token":   {},
		"bad driver":      {Discord: DiscordConfig{Token: "x"}, Storage: StorageConfig{Driver: "mongo"}},
		"postgres no dsn": {Discord: DiscordConfig{Token: "x"}, Storage: StorageConfig{Driver: "postgres"}},
		"bad duration":    {Discord: DiscordConfig{Token: "x"}, Relay: RelayConfig{CallTimeout: "soon"}},
		"bad retry delay": {Discord: DiscordConfig{Token: "x"}, Relay: RelayConfig{RetryMaxDelay: "-1s"}},
		"bad channel id":  {Discord: DiscordConfig{Token: "x"}, Logging: LoggingConfig{Discord: LoggingDiscord{ChannelID: "abc"}}},
		"bad level":       {Discord: DiscordConfig{Token: "x"}, Logging: LoggingConfig{Level: "loud"}},
		"bad timezone":    {Discord: DiscordConfig{Token: "x"}, Maintenance: &MaintenanceConfig{Timezone: "Mars/Base"}},
	}
	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := Validate(&Config{Discord: DiscordConfig{Token: "x"}}); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Discord: DiscordConfig{Token: "a"}, Storage: StorageConfig{Driver: "sqlite"}}
	newCfg := &Config{
		Discord: DiscordConfig{Token: "a"},
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://secret"},
		Relay:   RelayConfig{Workers: 8},
	}
	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "relay,storage" {
		t.Fatalf("sections = %v", sections)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"discord":{"token":"x"},"relay":{"workers":1}}`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(p, []byte(`{"discord":{"token":"x"},"relay":{"workers":5}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Relay.Workers != 5 {
			t.Fatalf("workers = %d, want 5", cfg.Relay.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
}
