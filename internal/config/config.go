// Package config provides YAML-based configuration loading for shutterpost.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultThresholdMB matches the webhook attachment limit (10 MiB).
const DefaultThresholdMB = 10.0

// Config is the top-level shutterpost configuration, loaded from shutterpost.yaml.
type Config struct {
	WatchDir               string         `yaml:"watch_dir"`
	WebhookURL             string         `yaml:"webhook_url"`
	CompressionThresholdMB float64        `yaml:"compression_threshold_mb"`
	MonthlyThreads         bool           `yaml:"monthly_threads"`
	VRChatLogDir           string         `yaml:"vrchat_log_dir,omitempty"`
	Delivery               DeliveryConfig `yaml:"delivery"`
	Database               DatabaseConfig `yaml:"database"`
	Status                 StatusConfig   `yaml:"status"`
}

// DeliveryConfig tunes the webhook client.
type DeliveryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	Username    string `yaml:"username"`
}

// DatabaseConfig selects the history backend. Path is used by sqlite; the
// remaining fields by mysql.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Name     string `yaml:"name,omitempty"`
}

// StatusConfig controls the status server and periodic counter report.
type StatusConfig struct {
	Port       int    `yaml:"port"`
	ReportCron string `yaml:"report_cron,omitempty"`
}

// ThresholdBytes converts the configured MB threshold to bytes.
func (c *Config) ThresholdBytes() int64 {
	return int64(c.CompressionThresholdMB * 1024 * 1024)
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unmarshals YAML bytes and applies defaults without validating.
// Used by commands that edit an incomplete config file.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a Config with every default applied and no webhook URL.
func Default() *Config {
	cfg := &Config{MonthlyThreads: true}
	cfg.applyDefaults()
	return cfg
}

// Save writes the config to path. The file holds the webhook secret, so it
// is created owner-readable only.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.WatchDir == "" {
		c.WatchDir = filepath.Join("~", "Pictures", "VRChat")
	}
	c.WatchDir = ExpandHome(c.WatchDir)
	c.VRChatLogDir = ExpandHome(c.VRChatLogDir)
	if c.CompressionThresholdMB == 0 {
		c.CompressionThresholdMB = DefaultThresholdMB
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.TimeoutSec == 0 {
		c.Delivery.TimeoutSec = 60
	}
	if c.Delivery.Username == "" {
		c.Delivery.Username = "VRChat Screenshots"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = filepath.Join("~", ".shutterpost", "history.db")
		}
		c.Database.Path = ExpandHome(c.Database.Path)
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "shutterpost"
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	var errs []string
	if c.WatchDir == "" {
		errs = append(errs, "watch_dir is required")
	}
	if c.WebhookURL == "" {
		errs = append(errs, "webhook_url is required")
	} else if !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		errs = append(errs, "webhook_url must be an http(s) URL")
	}
	if c.CompressionThresholdMB < 0 {
		errs = append(errs, "compression_threshold_mb must be positive")
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, "delivery.max_attempts must be at least 1")
	}
	if c.Delivery.TimeoutSec < 1 {
		errs = append(errs, "delivery.timeout_sec must be at least 1")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		errs = append(errs, fmt.Sprintf("status.port %d is out of range", c.Status.Port))
	}
	if c.Status.ReportCron != "" {
		if _, err := cron.ParseStandard(c.Status.ReportCron); err != nil {
			errs = append(errs, fmt.Sprintf("status.report_cron: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// MaskURL shortens a webhook URL for display so the token is not printed.
func MaskURL(url string) string {
	if url == "" {
		return ""
	}
	if len(url) > 30 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return strings.Repeat("*", len(url))
}
