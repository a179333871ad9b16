package metrics

import "quantfeed/logger"

// DropMetric identifies the metric name emitted when buffered messages are dropped.
type DropMetric string

const (
	// DropMetricFeedFrame records inbound frames dropped by a full client dispatch queue.
	DropMetricFeedFrame DropMetric = "feed_frames_dropped"
	// DropMetricMarketRaw records decoded market frames dropped before the tick processor.
	DropMetricMarketRaw DropMetric = "market_frames_dropped"
	// DropMetricTickBatch records tick batches dropped before the writers.
	DropMetricTickBatch DropMetric = "tick_batches_dropped"
	// DropMetricPortfolio records portfolio updates dropped before the Kafka writer.
	DropMetricPortfolio DropMetric = "portfolio_updates_dropped"
)

// EmitDropMetric logs and emits a metric for one dropped message. Optional
// metadata (feed, segment, instrument key, stage) is added to the metric
// fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, feed, segment, instrumentKey, stage string) {
	fields := logger.Fields{}
	if feed != "" {
		fields["feed"] = feed
	}
	if segment != "" {
		fields["segment"] = segment
	}
	if instrumentKey != "" {
		fields["instrument_key"] = instrumentKey
	}
	if stage != "" {
		fields["stage"] = stage
	}

	channelDrops.WithLabelValues(string(metric), stage).Inc()
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
