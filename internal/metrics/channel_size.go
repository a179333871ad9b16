package metrics

import (
	"context"
	"time"

	"quantfeed/internal/channel"
	"quantfeed/logger"
)

// StartChannelSizeMetrics emits occupancy metrics for the market and
// portfolio buffers every interval until ctx is cancelled. When interval <= 0
// a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) || channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitChannelSizes(log, channels)
			}
		}
	}()
}

func emitChannelSizes(log *logger.Log, channels *channel.Channels) {
	type buffer struct {
		name     string
		len, cap int
	}
	var buffers []buffer
	if channels.Market != nil {
		buffers = append(buffers,
			buffer{"market_raw", len(channels.Market.Raw), cap(channels.Market.Raw)},
			buffer{"market_norm", len(channels.Market.Norm), cap(channels.Market.Norm)},
		)
	}
	if channels.Portfolio != nil {
		buffers = append(buffers, buffer{"portfolio", len(channels.Portfolio.Updates), cap(channels.Portfolio.Updates)})
	}

	for _, b := range buffers {
		channelLength.WithLabelValues(b.name).Set(float64(b.len))
		EmitMetric(log, "channel_buffers", b.name+"_buffer_length", b.len, "gauge", logger.Fields{
			"buffer":   b.name,
			"capacity": b.cap,
		})
	}
}
