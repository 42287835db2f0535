package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HTTP.MaxAttempts != 4 {
		t.Errorf("expected MaxAttempts=4, got %d", cfg.HTTP.MaxAttempts)
	}
	if cfg.HTTP.BackoffBase != 1.6 {
		t.Errorf("expected BackoffBase=1.6, got %g", cfg.HTTP.BackoffBase)
	}
	if cfg.Clone.Destination != "e" {
		t.Errorf("expected Destination=e, got %s", cfg.Clone.Destination)
	}
	if cfg.Clone.UsageCategory != "OTHER" {
		t.Errorf("expected UsageCategory=OTHER, got %s", cfg.Clone.UsageCategory)
	}
	if !cfg.Session.Headless {
		t.Error("expected Headless=true by default")
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("SEGFORGE_SEGMENT_HOST", "")
	t.Setenv("SEGFORGE_CAMPAIGN_HOST", "")
	t.Setenv("SEGFORGE_METRICS_HOST", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Hosts.Segment = "https://segments.example.test"
	cfg.Session.Alias = "jsmith"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Hosts.Segment != "https://segments.example.test" {
		t.Errorf("expected segment host to round-trip, got %s", loaded.Hosts.Segment)
	}
	if loaded.Session.Alias != "jsmith" {
		t.Errorf("expected alias to round-trip, got %s", loaded.Session.Alias)
	}
	if loaded.HTTP.MaxAttempts != 4 {
		t.Errorf("expected defaults preserved, got MaxAttempts=%d", loaded.HTTP.MaxAttempts)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("SEGFORGE_SEGMENT_HOST", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.MaxAttempts != 4 {
		t.Errorf("expected defaults, got MaxAttempts=%d", cfg.HTTP.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEGFORGE_SEGMENT_HOST", "https://seg.example.test")
	t.Setenv("SEGFORGE_PROFILE_DIR", "/tmp/profile")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hosts.Segment != "https://seg.example.test" {
		t.Errorf("env override not applied, got %s", cfg.Hosts.Segment)
	}
	if cfg.Session.ProfileDir != "/tmp/profile" {
		t.Errorf("env override not applied, got %s", cfg.Session.ProfileDir)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to fail without hosts")
	}

	cfg.Hosts = HostsConfig{
		Segment:  "https://seg.example.test",
		Campaign: "https://camp.example.test",
		Metrics:  "https://metrics.example.test",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	cfg.Hosts.Metrics = "metrics.example.test"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to reject non-URL host")
	}

	cfg.Hosts.Metrics = "https://metrics.example.test"
	cfg.HTTP.BackoffBase = 1.0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to reject backoff base <= 1")
	}
}

func TestTimeoutParsing(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetConnectTimeout().Seconds(); got != 5 {
		t.Errorf("expected 5s connect timeout, got %gs", got)
	}
	cfg.HTTP.ReadTimeout = "garbage"
	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("expected fallback 30s read timeout, got %gs", got)
	}
}
