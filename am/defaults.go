package am

import (
	"github.com/spf13/viper"
)

// Default values referenced outside SetDefaults
const (
	DefaultDatabasePath = "automaton.db"
	DefaultAssetsDir    = "automaton-assets"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	// Engine retry budgets
	v.SetDefault("engine.prepare_retries", 3)
	v.SetDefault("engine.display_retries", 3)
	v.SetDefault("engine.retry_backoff_ms", 1000)
	v.SetDefault("engine.readiness_poll_ms", 0) // push-based readiness only
	v.SetDefault("engine.housekeeping_ms", 1000)

	// Asset cache
	v.SetDefault("assets.dir", DefaultAssetsDir)
	v.SetDefault("assets.downloads_per_second", 4.0)
	v.SetDefault("assets.download_burst", 4)

	// Remote data
	v.SetDefault("remote.sdk_version", "1.0.0")
	v.SetDefault("remote.payload_dir", "")
	v.SetDefault("remote.debounce_ms", 500)

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 1)
}

// BindSensitiveEnvVars explicitly binds configuration that deployments set by name
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "AUTOMATON_DATABASE_PATH")
	v.BindEnv("remote.sdk_version", "AUTOMATON_SDK_VERSION")
}
