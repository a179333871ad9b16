package metrics

import "quantfeed/logger"

// WriterStats holds counters of a tick sink or of the fan-out feeding them.
// Channel fields are zero for sinks that do not own a channel.
type WriterStats struct {
	BatchesWritten int64
	RecordsWritten int64
	BytesWritten   int64
	ErrorsCount    int64
	ChannelLen     int
	ChannelCap     int
}

// ReportWriter emits sink metrics under component. A non-zero error count or
// a channel more than three quarters full is logged as a warning.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	l := log.WithComponent(component)
	// LogMetric mutates its fields
	dims := func() logger.Fields { return logger.Fields{"sink": component} }

	attempts := stats.BatchesWritten + stats.ErrorsCount
	errorRate := 0.0
	if attempts > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(attempts)
	}
	backlog := 0.0
	if stats.ChannelCap > 0 {
		backlog = float64(stats.ChannelLen) / float64(stats.ChannelCap)
	}

	l.LogMetric(component, "sink_batches_written", stats.BatchesWritten, "counter", dims())
	l.LogMetric(component, "sink_errors", stats.ErrorsCount, "counter", dims())
	l.LogMetric(component, "sink_error_rate", errorRate, "gauge", dims())
	if stats.RecordsWritten > 0 {
		l.LogMetric(component, "sink_records_written", stats.RecordsWritten, "counter", dims())
	}
	if stats.BytesWritten > 0 {
		l.LogMetric(component, "sink_bytes_written", stats.BytesWritten, "counter", dims())
	}

	entry := l.WithFields(logger.Fields{
		"batches_written": stats.BatchesWritten,
		"records_written": stats.RecordsWritten,
		"bytes_written":   stats.BytesWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
		"channel_len":     stats.ChannelLen,
		"channel_cap":     stats.ChannelCap,
		"backlog":         backlog,
	})
	if stats.ErrorsCount > 0 || backlog > 0.75 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
