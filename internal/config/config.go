// Package config loads the YAML configuration file and applies defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// envToken is consulted when the config file carries no token.
const envToken = "BOOKHUB_TOKEN"

// Schedule holds the projector limits.
type Schedule struct {
	MaxPerDay          int   `yaml:"max_per_day"`
	MinGapMinutes      int   `yaml:"min_gap_minutes"`
	SuggestHorizonDays int   `yaml:"suggest_horizon_days"`
	SuggestTopK        int   `yaml:"suggest_top_k"`
	// SkipWeekdays lists Sunday-based weekdays never suggested for new
	// bookings, e.g. [0, 6] for weekends.
	SkipWeekdays []int `yaml:"skip_weekdays"`
}

// Config is the full application configuration.
type Config struct {
	WebhookURL string `yaml:"webhook_url"`
	Token      string `yaml:"token"`
	CachePath  string `yaml:"cache_path"`
	// MirrorPath enables the JSON mirror export when non-empty.
	MirrorPath string `yaml:"mirror_path"`

	SyncIntervalMinutes   int `yaml:"sync_interval_minutes"`
	DrainIntervalSeconds  int `yaml:"drain_interval_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	TombstoneMaxAgeHours  int `yaml:"tombstone_max_age_hours"`

	Schedule Schedule `yaml:"schedule"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		CachePath:             defaultCachePath(),
		SyncIntervalMinutes:   15,
		DrainIntervalSeconds:  30,
		RequestTimeoutSeconds: 15,
		TombstoneMaxAgeHours:  48,
		Schedule: Schedule{
			MaxPerDay:          4,
			MinGapMinutes:      60,
			SuggestHorizonDays: 14,
			SuggestTopK:        3,
		},
		LogLevel: "info",
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yml"
	}
	return filepath.Join(home, ".config", "bookhub", "config.yml")
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bookhub.db"
	}
	return filepath.Join(home, ".local", "share", "bookhub", "cache.db")
}

// Load reads the config file at path, falling back to defaults for absent
// fields. A missing file yields the defaults; the token falls back to the
// BOOKHUB_TOKEN environment variable.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.Token == "" {
		cfg.Token = os.Getenv(envToken)
	}
	return cfg, nil
}

// Validate checks the fields without which the application cannot run.
func (c Config) Validate() error {
	if c.WebhookURL == "" {
		return errors.New("webhook_url is required")
	}
	if c.CachePath == "" {
		return errors.New("cache_path is required")
	}
	return nil
}

// SyncInterval returns the pull cycle period.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// DrainInterval returns the write-drain period.
func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-call webhook timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// TombstoneMaxAge returns the tombstone safety-valve age.
func (c Config) TombstoneMaxAge() time.Duration {
	return time.Duration(c.TombstoneMaxAgeHours) * time.Hour
}

// MinGap returns the minimum spacing between same-day visits.
func (c Config) MinGap() time.Duration {
	return time.Duration(c.Schedule.MinGapMinutes) * time.Minute
}
