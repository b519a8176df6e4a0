// Package config loads konform configuration from YAML with environment
// overrides. Defaults are complete: the scanner runs without any config
// file at all.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"konform/internal/errs"
)

// Config holds all konform configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Catalog CatalogConfig `yaml:"catalog"`
	Legal   LegalConfig   `yaml:"legal"`
	LLM     LLMConfig     `yaml:"llm"`
	Quota   QuotaConfig   `yaml:"quota"`
	Store   StoreConfig   `yaml:"store"`
	Scan    ScanConfig    `yaml:"scan"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string            `yaml:"addr"`
	ReadTimeout  string            `yaml:"read_timeout"`
	WriteTimeout string            `yaml:"write_timeout"`
	Tokens       map[string]string `yaml:"tokens"` // bearer token -> user id
}

// BrowserConfig configures the headless Chrome renderer.
type BrowserConfig struct {
	Bin           string `yaml:"bin"` // empty: let the launcher locate Chrome
	Headless      bool   `yaml:"headless"`
	RenderTimeout string `yaml:"render_timeout"`
	MaxSessions   int    `yaml:"max_sessions"`
	ViewportW     int    `yaml:"viewport_width"`
	ViewportH     int    `yaml:"viewport_height"`
}

// FetchConfig configures static HTTP fetching.
type FetchConfig struct {
	Timeout      string `yaml:"timeout"`
	MaxRedirects int    `yaml:"max_redirects"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	UserAgent    string `yaml:"user_agent"`
	AllowPrivate bool   `yaml:"allow_private"` // permit RFC1918/loopback targets
}

// CatalogConfig configures the service catalog.
type CatalogConfig struct {
	Path  string `yaml:"path"` // empty: embedded default catalog
	Watch bool   `yaml:"watch"`
}

// LegalConfig configures the legal update overlay.
type LegalConfig struct {
	Source     string `yaml:"source"` // sqlite | yaml | off
	Path       string `yaml:"path"`
	WindowDays int    `yaml:"window_days"`
}

// LLMConfig configures the model used for generated fixes.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // genai | off
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout"`
}

// QuotaConfig configures the per-user quota ledger.
type QuotaConfig struct {
	DBPath      string `yaml:"db_path"`
	DefaultPlan string `yaml:"default_plan"` // free | pro | business | unlimited
}

// StoreConfig configures scan/fix persistence.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// ScanConfig bounds scan execution.
type ScanConfig struct {
	CheckTimeout    string `yaml:"check_timeout"`
	TotalTimeout    string `yaml:"total_timeout"`
	MaxPerUser      int    `yaml:"max_per_user"` // concurrent scans per user
	RenderSlots     int64  `yaml:"render_slots"`
	LLMSlots        int64  `yaml:"llm_slots"`
	MaxSubpages     int    `yaml:"max_subpages"`
	IdempotencyTTL  string `yaml:"idempotency_ttl"`
	IdempotencySize int    `yaml:"idempotency_size"`
}

// Default returns the complete default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8632",
			ReadTimeout:  "30s",
			WriteTimeout: "120s",
		},
		Browser: BrowserConfig{
			Headless:      true,
			RenderTimeout: "15s",
			MaxSessions:   4,
			ViewportW:     1366,
			ViewportH:     900,
		},
		Fetch: FetchConfig{
			Timeout:      "30s",
			MaxRedirects: 10,
			MaxBodyBytes: 5 << 20,
			UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 konform/1.0",
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Legal: LegalConfig{
			Source:     "off",
			WindowDays: 90,
		},
		LLM: LLMConfig{
			Provider:  "off",
			Model:     "gemini-2.0-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			Timeout:   "30s",
		},
		Quota: QuotaConfig{
			DBPath:      "data/quota.db",
			DefaultPlan: "free",
		},
		Store: StoreConfig{
			DBPath: "data/konform.db",
		},
		Scan: ScanConfig{
			CheckTimeout:    "20s",
			TotalTimeout:    "60s",
			MaxPerUser:      2,
			RenderSlots:     4,
			LLMSlots:        8,
			MaxSubpages:     8,
			IdempotencyTTL:  "24h",
			IdempotencySize: 1024,
		},
	}
}

// Load reads configuration from path (missing file: defaults), applies
// environment overrides, and validates. Unknown YAML keys are rejected
// so typos fail loudly instead of silently using defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errs.Errorf(errs.InvalidInput, "config.Load", "reading %s: %v", path, err)
			}
		} else {
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, errs.Errorf(errs.InvalidInput, "config.Load", "parsing %s: %v", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments adjust the hot knobs
// without editing files.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KONFORM_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KONFORM_BROWSER_BIN"); v != "" {
		c.Browser.Bin = v
	}
	if v := os.Getenv("KONFORM_CATALOG"); v != "" {
		c.Catalog.Path = v
	}
	if v := os.Getenv("KONFORM_LEGAL_SOURCE"); v != "" {
		c.Legal.Source = v
	}
	if v := os.Getenv("KONFORM_LEGAL_PATH"); v != "" {
		c.Legal.Path = v
	}
	if v := os.Getenv("KONFORM_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("KONFORM_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("KONFORM_QUOTA_DB"); v != "" {
		c.Quota.DBPath = v
	}
	if v := os.Getenv("KONFORM_STORE_DB"); v != "" {
		c.Store.DBPath = v
	}
}

// Validate rejects configurations the scanner cannot run with.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if _, err := c.Fetch.TimeoutDuration(); err != nil {
		return errs.Errorf(errs.InvalidInput, op, "fetch.timeout: %v", err)
	}
	if _, err := c.Browser.RenderTimeoutDuration(); err != nil {
		return errs.Errorf(errs.InvalidInput, op, "browser.render_timeout: %v", err)
	}
	if _, err := c.Scan.CheckTimeoutDuration(); err != nil {
		return errs.Errorf(errs.InvalidInput, op, "scan.check_timeout: %v", err)
	}
	if _, err := c.Scan.TotalTimeoutDuration(); err != nil {
		return errs.Errorf(errs.InvalidInput, op, "scan.total_timeout: %v", err)
	}
	if c.Fetch.MaxRedirects < 0 {
		return errs.Errorf(errs.InvalidInput, op, "fetch.max_redirects must be >= 0")
	}
	if c.Scan.MaxPerUser < 1 {
		return errs.Errorf(errs.InvalidInput, op, "scan.max_per_user must be >= 1")
	}
	if c.Scan.RenderSlots < 1 || c.Scan.LLMSlots < 1 {
		return errs.Errorf(errs.InvalidInput, op, "scan concurrency slots must be >= 1")
	}
	switch c.Legal.Source {
	case "sqlite", "yaml", "off":
	default:
		return errs.Errorf(errs.InvalidInput, op, "legal.source must be sqlite, yaml or off (got %q)", c.Legal.Source)
	}
	switch c.LLM.Provider {
	case "genai", "off":
	default:
		return errs.Errorf(errs.InvalidInput, op, "llm.provider must be genai or off (got %q)", c.LLM.Provider)
	}
	switch c.Quota.DefaultPlan {
	case "free", "pro", "business", "unlimited":
	default:
		return errs.Errorf(errs.InvalidInput, op, "quota.default_plan unknown: %q", c.Quota.DefaultPlan)
	}
	return nil
}

// Save writes the configuration to a YAML file, creating directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// TimeoutDuration parses the static fetch timeout.
func (f FetchConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(f.Timeout, 30*time.Second)
}

// RenderTimeoutDuration parses the hard render cap.
func (b BrowserConfig) RenderTimeoutDuration() (time.Duration, error) {
	return parseDuration(b.RenderTimeout, 15*time.Second)
}

// CheckTimeoutDuration parses the per-pillar check budget.
func (s ScanConfig) CheckTimeoutDuration() (time.Duration, error) {
	return parseDuration(s.CheckTimeout, 20*time.Second)
}

// TotalTimeoutDuration parses the whole-scan deadline.
func (s ScanConfig) TotalTimeoutDuration() (time.Duration, error) {
	return parseDuration(s.TotalTimeout, 60*time.Second)
}

// IdempotencyTTLDuration parses the fix cache entry lifetime.
func (s ScanConfig) IdempotencyTTLDuration() (time.Duration, error) {
	return parseDuration(s.IdempotencyTTL, 24*time.Hour)
}

// LLMTimeoutDuration parses the model call timeout.
func (l LLMConfig) LLMTimeoutDuration() (time.Duration, error) {
	return parseDuration(l.Timeout, 30*time.Second)
}
