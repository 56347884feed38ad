package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"remindcal/internal/schedule"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides live in env.go.

// SubscriptionConfig describes a calendar URL imported periodically on
// behalf of one user.
type SubscriptionConfig struct {
	// User is the id whose reminder set the calendar replaces.
	User string `yaml:"user" json:"user"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Name is a human-friendly label used in logs.
	Name string `yaml:"name" json:"name"`
}

// NotifierConfig selects the notification transport.
type NotifierConfig struct {
	// Type is "log" (default) or "webhook".
	Type string `yaml:"type" json:"type"`
	// URL is the webhook endpoint when Type is "webhook".
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	NotifierLog     = "log"
	NotifierWebhook = "webhook"
)

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone applied to floating and date-only calendar
	// values. "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataPath is the directory holding persisted reminder sets.
	DataPath string `yaml:"data_path" json:"data_path"`

	// Storage selects the EventStore backend: "file" or "sqlite".
	Storage string `yaml:"storage" json:"storage"`

	// ReminderHour and ReminderMinute set the day-before reminder time.
	ReminderHour   int `yaml:"reminder_hour" json:"reminder_hour"`
	ReminderMinute int `yaml:"reminder_minute" json:"reminder_minute"`

	// ReminderIntervalHours is the delay between repeated reminders.
	ReminderIntervalHours int `yaml:"reminder_interval_hours" json:"reminder_interval_hours"`

	// IgnoredTerms drops events whose summary or category contains any of
	// these substrings (case-sensitive).
	IgnoredTerms []string `yaml:"ignored_terms" json:"ignored_terms"`

	// WhitelistUsers restricts access to these user ids. Empty admits all.
	WhitelistUsers []string `yaml:"whitelist_users" json:"whitelist_users"`

	// HorizonDays bounds recurrence expansion into the future.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// used to re-import subscriptions.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// PruneCron schedules the sweep removing expired records.
	PruneCron string `yaml:"prune" json:"prune"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	Notifier NotifierConfig `yaml:"notifier" json:"notifier"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                "127.0.0.1:8080",
		Timezone:              "Local",
		DataPath:              "./data",
		Storage:               StorageFile,
		ReminderHour:          17,
		ReminderMinute:        0,
		ReminderIntervalHours: 2,
		IgnoredTerms:          []string{"Wertstoffhof geschlossen"},
		WhitelistUsers:        []string{},
		HorizonDays:           366,
		RefreshCron:           "*/30 * * * *",
		PruneCron:             "@every 1h",
		Subscriptions:         []SubscriptionConfig{},
		Notifier:              NotifierConfig{Type: NotifierLog},
		BasicAuth:             nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults and clamps
// out-of-range values so that partially-filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	switch c.Storage {
	case StorageFile, StorageSQLite:
	default:
		c.Storage = StorageFile
	}

	c.ReminderHour = clamp(c.ReminderHour, 0, 23)
	c.ReminderMinute = clamp(c.ReminderMinute, 0, 59)
	if c.ReminderIntervalHours < 1 {
		c.ReminderIntervalHours = 1
	}

	if c.IgnoredTerms == nil {
		c.IgnoredTerms = []string{"Wertstoffhof geschlossen"}
	}
	if c.WhitelistUsers == nil {
		c.WhitelistUsers = []string{}
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 366
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/30 * * * *"
	}
	if c.PruneCron == "" {
		c.PruneCron = "@every 1h"
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	switch c.Notifier.Type {
	case NotifierLog:
	case NotifierWebhook:
		if c.Notifier.URL == "" {
			c.Notifier.Type = NotifierLog
		}
	default:
		c.Notifier.Type = NotifierLog
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Policy returns the reminder timing described by the config.
func (c *Config) Policy() schedule.Policy {
	return schedule.Policy{
		Hour:     c.ReminderHour,
		Minute:   c.ReminderMinute,
		Interval: time.Duration(c.ReminderIntervalHours) * time.Hour,
		Grace:    schedule.DefaultGrace,
		Lead:     schedule.DefaultLead,
	}
}

// Horizon returns HorizonDays as a duration.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path atomically
// via a temp file + rename, with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".remindcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
