package am

import (
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/automaton/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Retry budgets: 0 = fail on first error, negative = invalid
	if c.Engine.PrepareRetries < 0 {
		return errors.Newf("engine.prepare_retries must be >= 0, got %d", c.Engine.PrepareRetries)
	}
	if c.Engine.DisplayRetries < 0 {
		return errors.Newf("engine.display_retries must be >= 0, got %d", c.Engine.DisplayRetries)
	}
	if c.Engine.RetryBackoffMS < 0 {
		return errors.Newf("engine.retry_backoff_ms must be >= 0, got %d", c.Engine.RetryBackoffMS)
	}
	if c.Engine.ReadinessPollMS < 0 {
		return errors.Newf("engine.readiness_poll_ms must be >= 0, got %d", c.Engine.ReadinessPollMS)
	}
	if c.Engine.HousekeepingMS < 0 {
		return errors.Newf("engine.housekeeping_ms must be >= 0, got %d", c.Engine.HousekeepingMS)
	}

	// Download throttle: 0 = unthrottled
	if c.Assets.DownloadsPerSecond < 0 {
		return errors.Newf("assets.downloads_per_second must be >= 0, got %f", c.Assets.DownloadsPerSecond)
	}
	if c.Assets.DownloadsPerSecond > 0 && c.Assets.DownloadBurst < 1 {
		return errors.Newf("assets.download_burst must be >= 1 when throttled, got %d", c.Assets.DownloadBurst)
	}

	if c.Remote.SDKVersion != "" {
		if _, err := semver.NewVersion(c.Remote.SDKVersion); err != nil {
			return errors.Wrapf(err, "remote.sdk_version %q is not a semantic version", c.Remote.SDKVersion)
		}
	}
	if c.Remote.DebounceMS < 0 {
		return errors.Newf("remote.debounce_ms must be >= 0, got %d", c.Remote.DebounceMS)
	}

	return nil
}
