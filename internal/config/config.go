package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Freshness FreshnessConfig `json:"freshness" yaml:"freshness"`
	Capture   CaptureConfig   `json:"capture" yaml:"capture"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	API       APIConfig       `json:"api" yaml:"api"`
	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Pack      PackConfig      `json:"pack" yaml:"pack"`
	Stats     StatsConfig     `json:"stats" yaml:"stats"`
	Decisions DecisionsConfig `json:"decisions" yaml:"decisions"`
}

type FreshnessConfig struct {
	// LookbackDays is the window over which quality decays from 1 to 0.
	LookbackDays int `json:"lookback_days" yaml:"lookback_days"`
	// RecaptureDays is the staleness at which a source needs capture again.
	RecaptureDays int `json:"recapture_days" yaml:"recapture_days"`
}

type CaptureConfig struct {
	Attempts        int           `json:"attempts" yaml:"attempts"`
	BackoffBaseMs   int           `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	AttemptTimeout  time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	UserAgent       string        `json:"user_agent" yaml:"user_agent"`
	OfficialDomains []string      `json:"official_domains" yaml:"official_domains"`
}

type AlertingConfig struct {
	RatioThreshold     float64 `json:"ratio_threshold" yaml:"ratio_threshold"`
	StalenessDays      int     `json:"staleness_days" yaml:"staleness_days"`
	QualityThreshold   float64 `json:"quality_threshold" yaml:"quality_threshold"`
	QuietStartHour     int     `json:"quiet_start_hour" yaml:"quiet_start_hour"`
	QuietEndHour       int     `json:"quiet_end_hour" yaml:"quiet_end_hour"`
	DedupeWindowHours  int     `json:"dedupe_window_hours" yaml:"dedupe_window_hours"`
	EscalationStreak   int     `json:"escalation_streak" yaml:"escalation_streak"`
	TopOffenders       int     `json:"top_offenders" yaml:"top_offenders"`
	ExampleURLs        int     `json:"example_urls" yaml:"example_urls"`
	DashboardActionURL string  `json:"dashboard_action_url" yaml:"dashboard_action_url"`
}

type NotifyConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	Attempts      int           `json:"attempts" yaml:"attempts"`
	BackoffBaseMs int           `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
	Webhook       WebhookConfig `json:"webhook" yaml:"webhook"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type WebhookConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type ScheduleConfig struct {
	// Interval between automatic runs in serve mode. Zero disables them.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type PackConfig struct {
	Path string `json:"path" yaml:"path"`
}

type StatsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type DecisionsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Freshness: FreshnessConfig{
			LookbackDays:  14,
			RecaptureDays: 7,
		},
		Capture: CaptureConfig{
			Attempts:       2,
			BackoffBaseMs:  500,
			AttemptTimeout: 30 * time.Second,
			UserAgent:      "stalewatch/1.0",
		},
		Alerting: AlertingConfig{
			RatioThreshold:    0.4,
			StalenessDays:     21,
			QualityThreshold:  0.55,
			QuietStartHour:    22,
			QuietEndHour:      6,
			DedupeWindowHours: 24,
			EscalationStreak:  3,
			TopOffenders:      5,
			ExampleURLs:       3,
		},
		Notify: NotifyConfig{
			Driver:        "log",
			Attempts:      3,
			BackoffBaseMs: 250,
			Webhook:       WebhookConfig{Timeout: 10 * time.Second},
		},
		API:       APIConfig{Enabled: true, Addr: ":8086"},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:stalewatch.db?_pragma=busy_timeout(5000)"},
		Stats:     StatsConfig{StoreLimit: 5000},
		Decisions: DecisionsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	ApplyEnv(cfg)
	Clamp(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Freshness.LookbackDays <= 0 {
		cfg.Freshness.LookbackDays = def.Freshness.LookbackDays
	}
	if cfg.Freshness.RecaptureDays <= 0 {
		cfg.Freshness.RecaptureDays = def.Freshness.RecaptureDays
	}
	if cfg.Capture.AttemptTimeout <= 0 {
		cfg.Capture.AttemptTimeout = def.Capture.AttemptTimeout
	}
	if cfg.Capture.UserAgent == "" {
		cfg.Capture.UserAgent = def.Capture.UserAgent
	}
	if cfg.Alerting.RatioThreshold <= 0 || cfg.Alerting.RatioThreshold > 1 {
		cfg.Alerting.RatioThreshold = def.Alerting.RatioThreshold
	}
	if cfg.Alerting.StalenessDays <= 0 {
		cfg.Alerting.StalenessDays = def.Alerting.StalenessDays
	}
	if cfg.Alerting.QualityThreshold <= 0 || cfg.Alerting.QualityThreshold > 1 {
		cfg.Alerting.QualityThreshold = def.Alerting.QualityThreshold
	}
	if cfg.Alerting.TopOffenders <= 0 {
		cfg.Alerting.TopOffenders = def.Alerting.TopOffenders
	}
	if cfg.Alerting.ExampleURLs <= 0 {
		cfg.Alerting.ExampleURLs = def.Alerting.ExampleURLs
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = def.Notify.Driver
	}
	if cfg.Notify.Webhook.Timeout <= 0 {
		cfg.Notify.Webhook.Timeout = def.Notify.Webhook.Timeout
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.DSN == "" && strings.EqualFold(cfg.Storage.Driver, "sqlite") {
		cfg.Storage.DSN = def.Storage.DSN
	}
	if cfg.Stats.StoreLimit <= 0 {
		cfg.Stats.StoreLimit = def.Stats.StoreLimit
	}
	if cfg.Decisions.StoreLimit <= 0 {
		cfg.Decisions.StoreLimit = def.Decisions.StoreLimit
	}
}

// Clamp forces the operator-tunable knobs into their documented ranges,
// silently substituting the default for anything out of bounds. Bad
// tuning input is never a fatal config error.
func Clamp(cfg *Config) {
	def := DefaultConfig()
	cfg.Alerting.QuietStartHour = clampOr(cfg.Alerting.QuietStartHour, 0, 23, def.Alerting.QuietStartHour)
	cfg.Alerting.QuietEndHour = clampOr(cfg.Alerting.QuietEndHour, 0, 23, def.Alerting.QuietEndHour)
	cfg.Alerting.DedupeWindowHours = clampOr(cfg.Alerting.DedupeWindowHours, 1, 168, def.Alerting.DedupeWindowHours)
	cfg.Alerting.EscalationStreak = clampOr(cfg.Alerting.EscalationStreak, 2, 20, def.Alerting.EscalationStreak)
	cfg.Capture.Attempts = clampOr(cfg.Capture.Attempts, 1, 16, def.Capture.Attempts)
	cfg.Capture.BackoffBaseMs = clampOr(cfg.Capture.BackoffBaseMs, 25, 30000, def.Capture.BackoffBaseMs)
	cfg.Notify.Attempts = clampOr(cfg.Notify.Attempts, 1, 16, def.Notify.Attempts)
	cfg.Notify.BackoffBaseMs = clampOr(cfg.Notify.BackoffBaseMs, 25, 30000, def.Notify.BackoffBaseMs)
}

func clampOr(v, lo, hi, def int) int {
	if v < lo || v > hi {
		return def
	}
	return v
}

// ApplyEnv overlays STALEWATCH_* environment variables onto cfg.
// Unparseable values are ignored; Clamp handles out-of-range ones.
func ApplyEnv(cfg *Config) {
	envInt("STALEWATCH_QUIET_START_HOUR", &cfg.Alerting.QuietStartHour)
	envInt("STALEWATCH_QUIET_END_HOUR", &cfg.Alerting.QuietEndHour)
	envInt("STALEWATCH_DEDUPE_WINDOW_HOURS", &cfg.Alerting.DedupeWindowHours)
	envInt("STALEWATCH_ESCALATION_STREAK", &cfg.Alerting.EscalationStreak)
	envInt("STALEWATCH_CAPTURE_ATTEMPTS", &cfg.Capture.Attempts)
	envInt("STALEWATCH_CAPTURE_BACKOFF_BASE_MS", &cfg.Capture.BackoffBaseMs)
	envInt("STALEWATCH_NOTIFY_ATTEMPTS", &cfg.Notify.Attempts)
	envInt("STALEWATCH_NOTIFY_BACKOFF_BASE_MS", &cfg.Notify.BackoffBaseMs)
	envFloat("STALEWATCH_RATIO_THRESHOLD", &cfg.Alerting.RatioThreshold)
	envString("STALEWATCH_STORAGE_DRIVER", &cfg.Storage.Driver)
	envString("STALEWATCH_STORAGE_DSN", &cfg.Storage.DSN)
	envString("STALEWATCH_LOG_LEVEL", &cfg.LogLevel)
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

func envFloat(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 && f <= 1 {
		*dst = f
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return errors.New("storage.driver must be sqlite or postgres")
	}
	switch strings.ToLower(cfg.Notify.Driver) {
	case "log", "kafka", "webhook":
	default:
		return errors.New("notify.driver must be log, kafka or webhook")
	}
	if strings.EqualFold(cfg.Notify.Driver, "kafka") && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka.brokers and topic required when notify.driver is kafka")
	}
	if strings.EqualFold(cfg.Notify.Driver, "webhook") && cfg.Notify.Webhook.URL == "" {
		return errors.New("notify.webhook.url required when notify.driver is webhook")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
