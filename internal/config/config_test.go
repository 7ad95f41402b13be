package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Freshness.LookbackDays != 14 || cfg.Freshness.RecaptureDays != 7 {
		t.Fatalf("unexpected freshness defaults: %+v", cfg.Freshness)
	}
	if cfg.Alerting.RatioThreshold != 0.4 || cfg.Alerting.EscalationStreak != 3 {
		t.Fatalf("unexpected alerting defaults: %+v", cfg.Alerting)
	}
	if cfg.Alerting.QuietStartHour != 22 || cfg.Alerting.QuietEndHour != 6 {
		t.Fatalf("unexpected quiet hours: %+v", cfg.Alerting)
	}
	if cfg.Notify.Driver != "log" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected driver defaults: notify=%s storage=%s", cfg.Notify.Driver, cfg.Storage.Driver)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "stalewatch.yaml", `
log_level: debug
freshness:
  lookback_days: 21
alerting:
  ratio_threshold: 0.5
  quiet_start_hour: 20
  quiet_end_hour: 8
capture:
  attempts: 4
storage:
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Freshness.LookbackDays != 21 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Alerting.RatioThreshold != 0.5 || cfg.Capture.Attempts != 4 {
		t.Fatalf("yaml values not applied: %+v", cfg.Alerting)
	}
	// Unset fields fall back to defaults.
	if cfg.Freshness.RecaptureDays != 7 || cfg.Notify.Attempts != 3 {
		t.Fatalf("defaults not applied to unset fields: %+v", cfg)
	}
}

func TestLoadJSONAutodetect(t *testing.T) {
	path := writeConfig(t, "stalewatch.conf", `{
		"log_level": "warn",
		"alerting": {"dedupe_window_hours": 48}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Alerting.DedupeWindowHours != 48 {
		t.Fatalf("json values not applied: %+v", cfg)
	}
}

func TestClampSilentlyReplacesOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		get  func(*Config) int
		want int
	}{
		{"quiet start above range", "alerting:\n  quiet_start_hour: 99", func(c *Config) int { return c.Alerting.QuietStartHour }, 22},
		{"quiet end below range", "alerting:\n  quiet_end_hour: -1", func(c *Config) int { return c.Alerting.QuietEndHour }, 6},
		{"dedupe window above range", "alerting:\n  dedupe_window_hours: 999", func(c *Config) int { return c.Alerting.DedupeWindowHours }, 24},
		{"escalation streak below range", "alerting:\n  escalation_streak: 1", func(c *Config) int { return c.Alerting.EscalationStreak }, 3},
		{"escalation streak above range", "alerting:\n  escalation_streak: 50", func(c *Config) int { return c.Alerting.EscalationStreak }, 3},
		{"capture attempts above range", "capture:\n  attempts: 99", func(c *Config) int { return c.Capture.Attempts }, 2},
		{"capture backoff below range", "capture:\n  backoff_base_ms: 1", func(c *Config) int { return c.Capture.BackoffBaseMs }, 500},
		{"notify backoff above range", "notify:\n  backoff_base_ms: 99999", func(c *Config) int { return c.Notify.BackoffBaseMs }, 250},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "cfg.yaml", tc.yaml))
			if err != nil {
				t.Fatalf("out-of-range tuning must never be fatal: %v", err)
			}
			if got := tc.get(cfg); got != tc.want {
				t.Fatalf("got %d, want default %d", got, tc.want)
			}
		})
	}
}

func TestClampKeepsInRangeValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cfg.yaml", `
alerting:
  quiet_start_hour: 0
  quiet_end_hour: 23
  dedupe_window_hours: 168
  escalation_streak: 20
capture:
  attempts: 16
  backoff_base_ms: 25
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerting.QuietStartHour != 0 || cfg.Alerting.QuietEndHour != 23 {
		t.Fatalf("boundary values must survive clamping: %+v", cfg.Alerting)
	}
	if cfg.Alerting.DedupeWindowHours != 168 || cfg.Alerting.EscalationStreak != 20 {
		t.Fatalf("boundary values must survive clamping: %+v", cfg.Alerting)
	}
	if cfg.Capture.Attempts != 16 || cfg.Capture.BackoffBaseMs != 25 {
		t.Fatalf("boundary values must survive clamping: %+v", cfg.Capture)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STALEWATCH_QUIET_START_HOUR", "20")
	t.Setenv("STALEWATCH_ESCALATION_STREAK", "5")
	t.Setenv("STALEWATCH_RATIO_THRESHOLD", "0.6")
	t.Setenv("STALEWATCH_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "cfg.yaml", "alerting:\n  quiet_start_hour: 21"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerting.QuietStartHour != 20 {
		t.Fatalf("env must override the file: got %d", cfg.Alerting.QuietStartHour)
	}
	if cfg.Alerting.EscalationStreak != 5 || cfg.Alerting.RatioThreshold != 0.6 {
		t.Fatalf("env overrides not applied: %+v", cfg.Alerting)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("got log level %s, want debug", cfg.LogLevel)
	}
}

func TestEnvUnparseableIgnored(t *testing.T) {
	t.Setenv("STALEWATCH_CAPTURE_ATTEMPTS", "lots")
	t.Setenv("STALEWATCH_RATIO_THRESHOLD", "not-a-number")

	cfg, err := Load(writeConfig(t, "cfg.yaml", "log_level: info"))
	if err != nil {
		t.Fatalf("unparseable env must never be fatal: %v", err)
	}
	if cfg.Capture.Attempts != 2 || cfg.Alerting.RatioThreshold != 0.4 {
		t.Fatalf("unparseable env must leave defaults intact: %+v", cfg)
	}
}

func TestEnvOutOfRangeClamped(t *testing.T) {
	t.Setenv("STALEWATCH_DEDUPE_WINDOW_HOURS", "500")

	cfg, err := Load(writeConfig(t, "cfg.yaml", "log_level: info"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerting.DedupeWindowHours != 24 {
		t.Fatalf("out-of-range env must fall back to the default, got %d", cfg.Alerting.DedupeWindowHours)
	}
}

func TestValidateDrivers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "mongodb"
	if err := Validate(cfg); err == nil {
		t.Fatalf("unknown storage driver must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Notify.Driver = "kafka"
	if err := Validate(cfg); err == nil {
		t.Fatalf("kafka driver without brokers must fail validation")
	}
	cfg.Notify.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Notify.Kafka.Topic = "alerts"
	if err := Validate(cfg); err != nil {
		t.Fatalf("kafka driver with brokers must validate: %v", err)
	}

	cfg = DefaultConfig()
	cfg.Notify.Driver = "webhook"
	if err := Validate(cfg); err == nil {
		t.Fatalf("webhook driver without a url must fail validation")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "cfg.yaml", "")); err == nil {
		t.Fatalf("empty config file must fail loudly")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Alerting.QuietStartHour = 21
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Alerting.QuietStartHour != 21 {
		t.Fatalf("round trip lost a value: %+v", loaded.Alerting)
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", "log_level: info")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.Get().LogLevel != "info" {
		t.Fatalf("got %s, want info", mgr.Get().LogLevel)
	}

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	now := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	needs, err := mgr.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("needs reload: %v %v", needs, err)
	}
	if _, err := mgr.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if mgr.Get().LogLevel != "debug" {
		t.Fatalf("reload did not pick up the new value: %s", mgr.Get().LogLevel)
	}
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	mgr := NewStaticManager(cfg)
	if mgr.Get().LogLevel != "warn" {
		t.Fatalf("static manager lost its config")
	}
	if needs, err := mgr.NeedsReload(); err != nil || needs {
		t.Fatalf("static manager never needs reload: %v %v", needs, err)
	}
}
