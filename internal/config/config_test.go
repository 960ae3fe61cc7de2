package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "rhinoguard.yaml", `
log_level: debug
backend:
  base_url: http://backend.local:9000
  timeout: 3s
features:
  alerts_enabled: true
  ranger_positions: true
sync:
  interval: 15s
alerts:
  dedup_window: 45s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Backend.BaseURL != "http://backend.local:9000" || cfg.Backend.Timeout != 3*time.Second {
		t.Fatalf("backend: %+v", cfg.Backend)
	}
	if !cfg.Features.RangerPositions {
		t.Fatalf("ranger positions should be enabled")
	}
	if cfg.Sync.Interval != 15*time.Second || cfg.Sync.FetchLimit != 50 {
		t.Fatalf("sync: %+v", cfg.Sync)
	}
	if cfg.Alerts.DedupWindow != 45*time.Second || cfg.Alerts.ResolvedRetention != 2*time.Hour {
		t.Fatalf("alerts: %+v", cfg.Alerts)
	}
	if cfg.Alerts.DefaultOperator != "Operator 1" {
		t.Fatalf("default operator: %q", cfg.Alerts.DefaultOperator)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "rhinoguard.toml", `
log_level = "warn"

[backend]
base_url = "https://alerts.example.org"
timeout = "5s"

[sync]
interval = "20s"
fetch_limit = 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "https://alerts.example.org" || cfg.Backend.Timeout != 5*time.Second {
		t.Fatalf("backend: %+v", cfg.Backend)
	}
	if cfg.Sync.Interval != 20*time.Second || cfg.Sync.FetchLimit != 25 {
		t.Fatalf("sync: %+v", cfg.Sync)
	}
	if !cfg.Features.AlertsEnabled {
		t.Fatalf("defaults should keep alerts enabled")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "rhinoguard.conf", `{"backend":{"base_url":"http://10.0.0.5:8000"},"api":{"enabled":false}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://10.0.0.5:8000" || cfg.API.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestEnvOverridesBackendURL(t *testing.T) {
	t.Setenv("RHINOGUARD_BACKEND_URL", "http://override:1234")
	path := writeFile(t, "rhinoguard.yaml", "backend:\n  base_url: http://file:1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.BaseURL != "http://override:1234" {
		t.Fatalf("base url: %s", cfg.Backend.BaseURL)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative backend url", func(c *Config) { c.Backend.BaseURL = "/api" }},
		{"kafka without topic", func(c *Config) {
			c.Ingest.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}, GroupID: "g"}
		}},
		{"unknown storage driver", func(c *Config) { c.Storage = StorageConfig{Enabled: true, Driver: "mysql"} }},
		{"api without addr", func(c *Config) { c.API = APIConfig{Enabled: true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEmptyFileRejected(t *testing.T) {
	path := writeFile(t, "empty.yaml", "   \n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestManagerSetFeature(t *testing.T) {
	m := NewStaticManager(nil)
	before := m.Get()
	if err := m.SetFeature(FeatureAlerts, false); err != nil {
		t.Fatalf("set feature: %v", err)
	}
	if m.Get().Features.AlertsEnabled {
		t.Fatalf("alerts should be disabled")
	}
	if !before.Features.AlertsEnabled {
		t.Fatalf("previous snapshot must not be mutated")
	}
	if err := m.SetFeature("teleport", true); err == nil {
		t.Fatalf("expected error for unknown feature")
	}
	if err := m.Update(DefaultConfig()); !errors.Is(err, ErrNoFile) {
		t.Fatalf("static manager should refuse to save, got %v", err)
	}
	if err := m.PersistFeature(FeatureAlerts, true); !errors.Is(err, ErrNoFile) {
		t.Fatalf("static manager should refuse to persist, got %v", err)
	}
}

func TestManagerPersistFeatureSurvivesReload(t *testing.T) {
	for _, name := range []string{"rhinoguard.yaml", "rhinoguard.toml", "rhinoguard.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := Save(path, DefaultConfig()); err != nil {
				t.Fatalf("save: %v", err)
			}
			m, err := NewManager(path)
			if err != nil {
				t.Fatalf("manager: %v", err)
			}
			if err := m.PersistFeature(FeatureRangerPositions, true); err != nil {
				t.Fatalf("persist: %v", err)
			}
			if err := m.SetFeature(FeatureAlerts, false); err != nil {
				t.Fatalf("set feature: %v", err)
			}
			cfg, err := m.Reload()
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if !cfg.Features.RangerPositions {
				t.Fatalf("persisted flag lost on reload")
			}
			if !cfg.Features.AlertsEnabled {
				t.Fatalf("process-local flag should be restored by reload")
			}
			if cfg.Sync.Interval != 10*time.Second {
				t.Fatalf("sync interval did not round trip: %v", cfg.Sync.Interval)
			}
			if err := m.PersistFeature("teleport", true); !errors.Is(err, ErrUnknownFeature) {
				t.Fatalf("expected ErrUnknownFeature, got %v", err)
			}
		})
	}
}

func TestManagerReloadAfterSave(t *testing.T) {
	path := writeFile(t, "rhinoguard.yaml", "backend:\n  base_url: http://a:1\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	next := *m.Get()
	next.Backend.BaseURL = "http://b:2"
	if err := m.Update(&next); err != nil {
		t.Fatalf("update: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Backend.BaseURL != "http://b:2" {
		t.Fatalf("reloaded base url: %s", cfg.Backend.BaseURL)
	}
}
