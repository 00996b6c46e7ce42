package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.OneBot.Mode != ModeWSReverse || cfg.OneBot.Port != 8011 {
		t.Fatalf("unexpected defaults: %+v", cfg.OneBot)
	}
	if cfg.CallTimeout() != 10*time.Second {
		t.Fatalf("CallTimeout() = %v, want 10s", cfg.CallTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_JSONWithNumericIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"onebot": {"mode": "ws_reverse", "host": "0.0.0.0", "port": 9000},
		"core": {"queue_capacity": 5, "workers": 2},
		"bot": {"admin_ids": [10001, "10002"], "blocked_users": [42]}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr() = %q", cfg.ListenAddr())
	}
	if cfg.Core.QueueCapacity != 5 || cfg.Core.Workers != 2 {
		t.Fatalf("core = %+v", cfg.Core)
	}
	if got := cfg.AdminIDs(); !reflect.DeepEqual(got, []int64{10001, 10002}) {
		t.Fatalf("AdminIDs() = %v", got)
	}
	if got := cfg.BlockedUsers(); !reflect.DeepEqual(got, []int64{42}) {
		t.Fatalf("BlockedUsers() = %v", got)
	}
	// untouched sections keep their defaults
	if cfg.Bot.WakeCommand != "/restart" {
		t.Fatalf("WakeCommand = %q", cfg.Bot.WakeCommand)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
onebot:
  mode: ws
  ws_url: ws://example.invalid:3001
schedule:
  sleep_time: "23:30"
  wake_time: "07:00"
bot:
  blocked_users: [7, "8"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.OneBot.Mode != ModeWS || cfg.OneBot.WSUrl != "ws://example.invalid:3001" {
		t.Fatalf("onebot = %+v", cfg.OneBot)
	}
	if cfg.Schedule.SleepTime != "23:30" || cfg.Schedule.WakeTime != "07:00" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if got := cfg.BlockedUsers(); !reflect.DeepEqual(got, []int64{7, 8}) {
		t.Fatalf("BlockedUsers() = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"onebot":{"port":9000}}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("QBOT_ONEBOT_PORT", "9100")
	t.Setenv("QBOT_CORE_WORKERS", "3")
	t.Setenv("QBOT_BOT_BLOCKED_USERS", "5,6")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.OneBot.Port != 9100 {
		t.Fatalf("port = %d, want 9100", cfg.OneBot.Port)
	}
	if cfg.Core.Workers != 3 {
		t.Fatalf("workers = %d, want 3", cfg.Core.Workers)
	}
	if got := cfg.BlockedUsers(); !reflect.DeepEqual(got, []int64{5, 6}) {
		t.Fatalf("BlockedUsers() = %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.OneBot.Mode = "grpc" }},
		{"bad port", func(c *Config) { c.OneBot.Port = 70000 }},
		{"zero queue", func(c *Config) { c.Core.QueueCapacity = 0 }},
		{"zero workers", func(c *Config) { c.Core.Workers = 0 }},
		{"bad sleep time", func(c *Config) { c.Schedule.SleepTime = "25:00"; c.Schedule.WakeTime = "07:00" }},
		{"sleep without wake", func(c *Config) { c.Schedule.SleepTime = "23:00" }},
		{"ws without url", func(c *Config) { c.OneBot.Mode = ModeWS; c.OneBot.WSUrl = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("07:05")
	if err != nil || h != 7 || m != 5 {
		t.Fatalf("ParseClock() = %d, %d, %v", h, m, err)
	}
	if _, _, err := ParseClock("7pm"); err == nil {
		t.Fatal("expected error for malformed clock")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Plugins.Enabled = FlexibleStringSlice{"ping", "history"}

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := loaded.EnabledPlugins(); !reflect.DeepEqual(got, []string{"ping", "history"}) {
		t.Fatalf("EnabledPlugins() = %v", got)
	}
}
