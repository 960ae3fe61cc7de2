package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level" toml:"log_level"`
	Backend  BackendConfig  `json:"backend" yaml:"backend" toml:"backend"`
	Features FeaturesConfig `json:"features" yaml:"features" toml:"features"`
	Sync     SyncConfig     `json:"sync" yaml:"sync" toml:"sync"`
	Alerts   AlertsConfig   `json:"alerts" yaml:"alerts" toml:"alerts"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest" toml:"ingest"`
	API      APIConfig      `json:"api" yaml:"api" toml:"api"`
	Storage  StorageConfig  `json:"storage" yaml:"storage" toml:"storage"`
}

type BackendConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url" toml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

type FeaturesConfig struct {
	AlertsEnabled   bool `json:"alerts_enabled" yaml:"alerts_enabled" toml:"alerts_enabled"`
	RangerPositions bool `json:"ranger_positions" yaml:"ranger_positions" toml:"ranger_positions"`
	RealTimeUpdates bool `json:"real_time_updates" yaml:"real_time_updates" toml:"real_time_updates"`
}

type SyncConfig struct {
	Interval   time.Duration `json:"interval" yaml:"interval" toml:"interval"`
	FetchLimit int           `json:"fetch_limit" yaml:"fetch_limit" toml:"fetch_limit"`
}

type AlertsConfig struct {
	DedupWindow       time.Duration `json:"dedup_window" yaml:"dedup_window" toml:"dedup_window"`
	ResolvedRetention time.Duration `json:"resolved_retention" yaml:"resolved_retention" toml:"resolved_retention"`
	DefaultOperator   string        `json:"default_operator" yaml:"default_operator" toml:"default_operator"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	AutoDispatch  bool           `json:"auto_dispatch" yaml:"auto_dispatch" toml:"auto_dispatch"`
	DedupeWindow  time.Duration  `json:"dedupe_window" yaml:"dedupe_window" toml:"dedupe_window"`
	REST          RESTConfig     `json:"rest" yaml:"rest" toml:"rest"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka" toml:"kafka"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail" toml:"file_tail"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

// FileTailConfig follows detection export files written by camera-trap and
// drone pipelines (JSON lines or CSV with a header row).
type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Files      []string `json:"files" yaml:"files" toml:"files"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end" toml:"start_at_end"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" toml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

const (
	FeatureAlerts          = "alerts_enabled"
	FeatureRangerPositions = "ranger_positions"
	FeatureRealTimeUpdates = "real_time_updates"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  BackendConfig{BaseURL: "http://localhost:8000", Timeout: 10 * time.Second},
		Features: FeaturesConfig{AlertsEnabled: true, RangerPositions: false, RealTimeUpdates: true},
		Sync:     SyncConfig{Interval: 10 * time.Second, FetchLimit: 50},
		Alerts: AlertsConfig{
			DedupWindow:       30 * time.Second,
			ResolvedRetention: 2 * time.Hour,
			DefaultOperator:   "Operator 1",
		},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			AutoDispatch:  false,
			DedupeWindow:  5 * time.Second,
			REST:          RESTConfig{Enabled: false, Addr: ":8090"},
			Kafka:         KafkaConfig{Enabled: false},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:rhinoguard.db?_pragma=busy_timeout(5000)"},
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
	switch {
	case strings.EqualFold(filepath.Ext(path), ".toml"):
		_, decodeErr = toml.Decode(trimmed, cfg)
	case looksLikeJSON(trimmed):
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	default:
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

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RHINOGUARD_BACKEND_URL")); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RHINOGUARD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = 10 * time.Second
	}
	if cfg.Sync.FetchLimit <= 0 {
		cfg.Sync.FetchLimit = 50
	}
	if cfg.Alerts.DedupWindow <= 0 {
		cfg.Alerts.DedupWindow = 30 * time.Second
	}
	if cfg.Alerts.ResolvedRetention <= 0 {
		cfg.Alerts.ResolvedRetention = 2 * time.Hour
	}
	if cfg.Alerts.DefaultOperator == "" {
		cfg.Alerts.DefaultOperator = "Operator 1"
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url is not an absolute url: %q", cfg.Backend.BaseURL)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	if cfg.Ingest.DedupeWindow < 0 {
		return errors.New("ingest.dedupe_window must be >= 0")
	}
	return nil
}

// ErrNoFile is returned by Manager operations that need a backing file.
var ErrNoFile = errors.New("config manager has no file")

var ErrUnknownFeature = errors.New("unknown feature")

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

// NewStaticManager wraps an in-memory config. Update and Reload are
// unavailable because there is no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
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
		return nil, ErrNoFile
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

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path == "" {
		return ErrNoFile
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

// SetFeature toggles a feature flag for the running process only.
// The next file reload restores the on-disk value.
func (m *Manager) SetFeature(name string, enabled bool) error {
	next := *m.Get()
	if err := setFeature(&next, name, enabled); err != nil {
		return err
	}
	m.cfg.Store(&next)
	return nil
}

// PersistFeature toggles a feature flag and writes the config back to its
// file so the change survives reloads and restarts.
func (m *Manager) PersistFeature(name string, enabled bool) error {
	next := *m.Get()
	if err := setFeature(&next, name, enabled); err != nil {
		return err
	}
	return m.Update(&next)
}

func setFeature(cfg *Config, name string, enabled bool) error {
	switch name {
	case FeatureAlerts:
		cfg.Features.AlertsEnabled = enabled
	case FeatureRangerPositions:
		cfg.Features.RangerPositions = enabled
	case FeatureRealTimeUpdates:
		cfg.Features.RealTimeUpdates = enabled
	default:
		return fmt.Errorf("%w %q", ErrUnknownFeature, name)
	}
	return nil
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
