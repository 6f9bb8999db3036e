package config

import (
	"reflect"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, keys) are never included,
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.timeline", newCfg.Feed.Timeline),
			logx.Bool("feed.signer_set", strings.TrimSpace(newCfg.Feed.Signer) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Media, newCfg.Media) {
		changed = append(changed, "media")
		attrs = append(attrs,
			logx.Int("media.max_image_bytes", newCfg.Media.MaxImageBytes),
			logx.String("media.default_aspect", newCfg.Media.DefaultAspect),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.configured", newCfg.Alert != nil && strings.TrimSpace(newCfg.Alert.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.State, newCfg.State) {
		changed = append(changed, "state")
		attrs = append(attrs,
			logx.Bool("state.enabled", newCfg.State != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		changed = append(changed, "destinations")
		attrs = append(attrs,
			logx.Bool("destinations.direct", newCfg.Destinations.Direct != nil && newCfg.Destinations.Direct.Enabled),
			logx.Bool("destinations.container", newCfg.Destinations.Container != nil && newCfg.Destinations.Container.Enabled),
			logx.Bool("destinations.jobqueue", newCfg.Destinations.JobQueue != nil && newCfg.Destinations.JobQueue.Enabled),
			logx.Bool("destinations.multicast", newCfg.Destinations.Multicast != nil && newCfg.Destinations.Multicast.Enabled),
		)
	}

	return changed, attrs
}
