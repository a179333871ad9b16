package metrics

import (
	"strings"
	"sync/atomic"

	"quantfeed/config"
)

// Feature names an optional group of metrics.
type Feature string

const (
	// FeatureChannelSize covers the *_buffer_length gauges.
	FeatureChannelSize Feature = "channel_size"
)

var channelSizeEnabled atomic.Bool

func init() {
	channelSizeEnabled.Store(true)
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	channelSizeEnabled.Store(cfg.ChannelSize)
}

// IsFeatureEnabled reports whether the metrics of f are emitted.
func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	default:
		return true
	}
}

func metricAllowed(name string) bool {
	if strings.HasSuffix(name, "_buffer_length") {
		return IsFeatureEnabled(FeatureChannelSize)
	}
	return true
}
