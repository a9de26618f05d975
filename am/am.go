// Package am loads the automaton configuration (am.toml plus AUTOMATON_* environment variables).
package am

import (
	"fmt"
	"time"
)

// Config represents the core automaton configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Engine   EngineConfig   `mapstructure:"engine" toml:"engine"`
	Assets   AssetsConfig   `mapstructure:"assets" toml:"assets"`
	Remote   RemoteConfig   `mapstructure:"remote" toml:"remote"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// EngineConfig configures the automation engine retry budgets and readiness polling.
type EngineConfig struct {
	PrepareRetries  int `mapstructure:"prepare_retries" toml:"prepare_retries"`     // Transient preparation failures tolerated per cycle (default: 3)
	DisplayRetries  int `mapstructure:"display_retries" toml:"display_retries"`     // Transient display failures tolerated per cycle (default: 3)
	RetryBackoffMS  int `mapstructure:"retry_backoff_ms" toml:"retry_backoff_ms"`   // Base backoff between retries, doubled per attempt (default: 1000)
	ReadinessPollMS int `mapstructure:"readiness_poll_ms" toml:"readiness_poll_ms"` // Pull-based readiness recheck, 0 = push only
	HousekeepingMS  int `mapstructure:"housekeeping_ms" toml:"housekeeping_ms"`     // Occurrence flush and expiry sweep, 0 = disabled
}

// RetryBackoff returns the base retry backoff as a duration
func (e EngineConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMS) * time.Millisecond
}

// ReadinessPoll returns the readiness recheck interval (0 disables polling)
func (e EngineConfig) ReadinessPoll() time.Duration {
	return time.Duration(e.ReadinessPollMS) * time.Millisecond
}

// Housekeeping returns the sweep interval (0 disables the sweep)
func (e EngineConfig) Housekeeping() time.Duration {
	return time.Duration(e.HousekeepingMS) * time.Millisecond
}

// AssetsConfig configures the on-disk asset cache
type AssetsConfig struct {
	Dir                string  `mapstructure:"dir" toml:"dir"`
	DownloadsPerSecond float64 `mapstructure:"downloads_per_second" toml:"downloads_per_second"` // 0 = unthrottled
	DownloadBurst      int     `mapstructure:"download_burst" toml:"download_burst"`
}

// RemoteConfig configures remote data reconciliation
type RemoteConfig struct {
	SDKVersion string `mapstructure:"sdk_version" toml:"sdk_version"` // Running SDK version for min_sdk_version gates
	PayloadDir string `mapstructure:"payload_dir" toml:"payload_dir"` // Directory watched for app/contact payload files
	DebounceMS int    `mapstructure:"debounce_ms" toml:"debounce_ms"`
}

// Debounce returns the payload watcher debounce period
func (r RemoteConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMS) * time.Millisecond
}

// LogConfig configures logger output
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetAssetsDir returns the configured asset cache directory
func (c *Config) GetAssetsDir() string {
	if c.Assets.Dir == "" {
		return DefaultAssetsDir
	}
	return c.Assets.Dir
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Engine: {PrepareRetries: %d, DisplayRetries: %d}, Remote: {SDKVersion: %s}}",
		c.Database.Path, c.Engine.PrepareRetries, c.Engine.DisplayRetries, c.Remote.SDKVersion)
}
