// Package config loads segforge configuration: defaults, then
// ~/.segforge/config.yaml, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all segforge configuration.
type Config struct {
	// Remote service base URLs.
	Hosts HostsConfig `yaml:"hosts"`

	// HTTP retry and timeout policy.
	HTTP HTTPConfig `yaml:"http"`

	// Session source.
	Session SessionConfig `yaml:"session"`

	// Clone run defaults.
	Clone CloneConfig `yaml:"clone"`

	// Report output.
	Report ReportConfig `yaml:"report"`
}

// HostsConfig names the three service origins.
type HostsConfig struct {
	Segment  string `yaml:"segment"`
	Campaign string `yaml:"campaign"`
	Metrics  string `yaml:"metrics"`
}

// HTTPConfig bounds every remote call.
type HTTPConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BackoffBase    float64 `yaml:"backoff_base"`
	ConnectTimeout string  `yaml:"connect_timeout"`
	ReadTimeout    string  `yaml:"read_timeout"`
}

// SessionConfig locates credentials and the refresh browser.
type SessionConfig struct {
	// ProfileDir overrides Firefox profile auto-discovery.
	ProfileDir string `yaml:"profile_dir"`
	// Alias overrides requester-alias resolution.
	Alias string `yaml:"alias"`
	// BrowserBin is an explicit browser binary for the refresh pass.
	BrowserBin string `yaml:"browser_bin"`
	Headless   bool   `yaml:"headless"`
}

// CloneConfig carries per-run clone defaults.
type CloneConfig struct {
	Destination   string `yaml:"destination"`
	UsageCategory string `yaml:"usage_category"`
	TZOffsetHours int    `yaml:"tz_offset_hours"`
	SkipVerify    bool   `yaml:"skip_verify"`
}

// ReportConfig controls where result CSVs land.
type ReportConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the built-in defaults. Hosts have no default: they
// are deployment-specific and must come from the file or the environment.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			MaxAttempts:    4,
			BackoffBase:    1.6,
			ConnectTimeout: "5s",
			ReadTimeout:    "30s",
		},
		Session: SessionConfig{
			Headless: true,
		},
		Clone: CloneConfig{
			Destination:   "e",
			UsageCategory: "OTHER",
		},
		Report: ReportConfig{
			Dir: ".",
		},
	}
}

// DefaultPath returns ~/.segforge/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".segforge", "config.yaml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SEGFORGE_SEGMENT_HOST"); v != "" {
		c.Hosts.Segment = v
	}
	if v := os.Getenv("SEGFORGE_CAMPAIGN_HOST"); v != "" {
		c.Hosts.Campaign = v
	}
	if v := os.Getenv("SEGFORGE_METRICS_HOST"); v != "" {
		c.Hosts.Metrics = v
	}
	if v := os.Getenv("SEGFORGE_PROFILE_DIR"); v != "" {
		c.Session.ProfileDir = v
	}
	if v := os.Getenv("SEGFORGE_REPORT_DIR"); v != "" {
		c.Report.Dir = v
	}
}

// GetConnectTimeout returns the connect timeout as a duration.
func (c *Config) GetConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.ConnectTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetReadTimeout returns the read timeout as a duration.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.ReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	for _, h := range []struct{ name, value string }{
		{"hosts.segment", c.Hosts.Segment},
		{"hosts.campaign", c.Hosts.Campaign},
		{"hosts.metrics", c.Hosts.Metrics},
	} {
		if h.value == "" {
			return fmt.Errorf("%s not configured (set it in %s or via SEGFORGE_*_HOST)", h.name, DefaultPath())
		}
		if !strings.HasPrefix(h.value, "http://") && !strings.HasPrefix(h.value, "https://") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", h.name, h.value)
		}
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be at least 1, got %d", c.HTTP.MaxAttempts)
	}
	if c.HTTP.BackoffBase <= 1 {
		return fmt.Errorf("http.backoff_base must be greater than 1, got %g", c.HTTP.BackoffBase)
	}
	return nil
}
