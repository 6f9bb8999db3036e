package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks a parsed config before it is committed. It is used both on
// startup and as the hot-reload validator, so a bad edit never replaces a
// good running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Feed.Signer) == "" {
		return fmt.Errorf("feed.signer is required")
	}
	if strings.TrimSpace(cfg.Feed.StreamURL) == "" {
		return fmt.Errorf("feed.stream_url is required")
	}
	if _, err := ParseDurationField("feed.read_timeout", cfg.Feed.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("media.fetch_timeout", cfg.Media.FetchTimeout); err != nil {
		return err
	}
	if a := strings.TrimSpace(cfg.Media.DefaultAspect); a != "" {
		var w, h int
		if _, err := fmt.Sscanf(a, "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
			return fmt.Errorf("media.default_aspect: invalid %q (want \"W:H\")", a)
		}
	}
	if cfg.State != nil {
		if _, err := ParseDurationField("state.busy_timeout", cfg.State.BusyTimeout); err != nil {
			return err
		}
	}
	if c := cfg.Destinations.Container; c != nil && c.Enabled {
		if strings.TrimSpace(c.AccessToken) == "" {
			return fmt.Errorf("destinations.container.access_token is required")
		}
		if spec := strings.TrimSpace(c.RefreshSchedule); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("destinations.container.refresh_schedule: %w", err)
			}
		}
	}
	if j := cfg.Destinations.JobQueue; j != nil && j.Enabled {
		if strings.TrimSpace(j.Service) == "" || strings.TrimSpace(j.Identifier) == "" {
			return fmt.Errorf("destinations.jobqueue: service and identifier are required")
		}
	}
	if mc := cfg.Destinations.Multicast; mc != nil && mc.Enabled {
		if len(mc.Endpoints) == 0 {
			return fmt.Errorf("destinations.multicast.endpoints must not be empty")
		}
		if mc.RatePerSec < 0 {
			return fmt.Errorf("destinations.multicast.rate_per_sec must be >= 0")
		}
	}
	return nil
}
