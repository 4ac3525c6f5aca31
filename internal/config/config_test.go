package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "herald.json", `{
  "log": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "min_level": "warn", "rate_per_sec": 1}},
  "storage": {"driver": "sqlite", "path": "./herald.db", "busy_timeout": "2s"},
  "transport": {"kind": "telegram", "telegram": {"token_env": "HERALD_BOT_TOKEN", "poll_timeout": "10s"}, "gateway": {}},
  "broadcast": {"default_all_destinations": true, "max_cycle_errors": 5, "deliver_timeout": "20s"},
  "payments": {"window_days": 14, "require_system_approval": true},
  "directory": {"sweep_every": "10m", "reconcile_every": "1h"},
  "notify": {"ops_destination": -100123, "per_minute": 20, "queue_size": 64}
}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Console {
		t.Errorf("log section = %+v", cfg.Log)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Errorf("storage section = %+v", cfg.Storage)
	}
	if cfg.Transport.Kind != "telegram" || cfg.Transport.Telegram.TokenEnv != "HERALD_BOT_TOKEN" {
		t.Errorf("transport section = %+v", cfg.Transport)
	}
	if !cfg.Broadcast.DefaultAllDestinations || cfg.Broadcast.MaxCycleErrors != 5 {
		t.Errorf("broadcast section = %+v", cfg.Broadcast)
	}
	if !cfg.Payments.RequireSystemApproval || cfg.Payments.WindowDays != 14 {
		t.Errorf("payments section = %+v", cfg.Payments)
	}
	if cfg.Notify.OpsDestination != -100123 {
		t.Errorf("notify section = %+v", cfg.Notify)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get() did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "herald.yaml", `
log:
  level: info
  console: true
storage:
  driver: file
  path: ./herald_store.json
transport:
  kind: gateway
  gateway:
    base_url: http://127.0.0.1:8787
    timeout: 15s
broadcast:
  default_all_destinations: false
payments:
  window_days: 30
directory:
  sweep_every: 5m
notify:
  ops_destination: 42
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("Storage.Driver = %q, want file", cfg.Storage.Driver)
	}
	if cfg.Transport.Kind != "gateway" || cfg.Transport.Gateway.BaseURL != "http://127.0.0.1:8787" {
		t.Errorf("transport section = %+v", cfg.Transport)
	}
	if cfg.Directory.SweepEvery != "5m" {
		t.Errorf("Directory.SweepEvery = %q, want 5m", cfg.Directory.SweepEvery)
	}
	if cfg.Notify.OpsDestination != 42 {
		t.Errorf("Notify.OpsDestination = %d, want 42", cfg.Notify.OpsDestination)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		data string
	}{
		{"json top level", "herald.json", `{"storge": {"driver": "file"}}`},
		{"json nested", "herald.json", `{"broadcast": {"max_errors": 5}}`},
		{"yaml nested", "herald.yaml", "transport:\n  type: telegram\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.file, tc.data)
			if _, err := NewManager(path).Parse(); err == nil {
				t.Fatal("Parse accepted a config with an unknown field")
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "herald.json", `{"log": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "min_level": "", "rate_per_sec": 0}}} {"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted trailing data")
	}
}

func TestPublishKeepsLatestWhenSubscriberIsSlow(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Log: LogConfig{Level: "info"}}
	second := &Config{Log: LogConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Errorf("received %+v, want the latest config", got.Log)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	// A second Unsubscribe of the same channel is a no-op.
	m.Unsubscribe(ch)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	base := Config{
		Log:       LogConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./herald.db"},
		Transport: TransportConfig{Kind: "telegram", Telegram: TelegramConfig{TokenEnv: "HERALD_BOT_TOKEN", PollTimeout: "10s"}},
		Broadcast: BroadcastConfig{MaxCycleErrors: 20},
		Payments:  PaymentsConfig{WindowDays: 30},
		Directory: DirectoryConfig{SweepEvery: "10m"},
		Notify:    NotifyConfig{OpsDestination: 1, PerMinute: 20},
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   []string
	}{
		{"no change", func(c *Config) {}, []string{}},
		{"log level", func(c *Config) { c.Log.Level = "debug" }, []string{"log"}},
		{"storage driver", func(c *Config) { c.Storage.Driver = "file" }, []string{"storage"}},
		{"transport token", func(c *Config) { c.Transport.Telegram.Token = "123:abc" }, []string{"transport"}},
		{"broadcast flag", func(c *Config) { c.Broadcast.DefaultAllDestinations = true }, []string{"broadcast"}},
		{"payments window", func(c *Config) { c.Payments.WindowDays = 7 }, []string{"payments"}},
		{"directory sweep", func(c *Config) { c.Directory.SweepEvery = "1m" }, []string{"directory"}},
		{"notify destination", func(c *Config) { c.Notify.OpsDestination = 0 }, []string{"notify"}},
		{"pprof enable", func(c *Config) { c.Pprof.Enabled = true }, []string{"pprof"}},
		{
			"several sections sorted",
			func(c *Config) {
				c.Notify.PerMinute = 5
				c.Log.Console = false
				c.Directory.ReconcileEvery = "2h"
			},
			[]string{"directory", "log", "notify"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := base
			tc.mutate(&next)
			changed, _ := SummarizeConfigChange(&base, &next)
			if !reflect.DeepEqual(changed, tc.want) && !(len(changed) == 0 && len(tc.want) == 0) {
				t.Errorf("changed = %v, want %v", changed, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChangeNilInputs(t *testing.T) {
	t.Parallel()

	changed, _ := SummarizeConfigChange(nil, nil)
	if len(changed) != 0 {
		t.Errorf("changed = %v, want none", changed)
	}
	changed, _ = SummarizeConfigChange(nil, &Config{Log: LogConfig{Level: "info"}})
	if !reflect.DeepEqual(changed, []string{"log"}) {
		t.Errorf("changed = %v, want [log]", changed)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"10s", 10 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"0s", 0, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDurationField(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	def := 15 * time.Second
	if got, err := ParseDurationOrDefault("f", "", def); err != nil || got != def {
		t.Errorf("empty: got %v, %v; want %v", got, err, def)
	}
	if got, err := ParseDurationOrDefault("f", "0s", def); err != nil || got != def {
		t.Errorf("zero: got %v, %v; want %v", got, err, def)
	}
	if got, err := ParseDurationOrDefault("f", "3s", def); err != nil || got != 3*time.Second {
		t.Errorf("set: got %v, %v; want 3s", got, err)
	}
	if _, err := ParseDurationOrDefault("f", "nope", def); err == nil {
		t.Error("invalid duration accepted")
	}
}
