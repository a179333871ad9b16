package metrics

import "quantfeed/logger"

// ProcessorStats holds counters of the tick processor.
type ProcessorStats struct {
	FramesProcessed int64
	TicksProcessed  int64
	BatchesSent     int64
	BatchesDropped  int64
	ActiveBatches   int
	RawChannelLen   int
	RawChannelCap   int
	NormChannelLen  int
	NormChannelCap  int
}

// ReportProcessor emits processor metrics under component.
func ReportProcessor(log *logger.Log, component string, stats ProcessorStats) {
	l := log.WithComponent(component)

	avgTicksPerFrame := float64(0)
	if stats.FramesProcessed > 0 {
		avgTicksPerFrame = float64(stats.TicksProcessed) / float64(stats.FramesProcessed)
	}

	l.LogMetric(component, "frames_processed", stats.FramesProcessed, "counter", logger.Fields{})
	l.LogMetric(component, "ticks_processed", stats.TicksProcessed, "counter", logger.Fields{})
	l.LogMetric(component, "batches_sent", stats.BatchesSent, "counter", logger.Fields{})
	l.LogMetric(component, "batches_dropped", stats.BatchesDropped, "counter", logger.Fields{})
	l.LogMetric(component, "active_batches", stats.ActiveBatches, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"frames_processed":    stats.FramesProcessed,
		"ticks_processed":     stats.TicksProcessed,
		"batches_sent":        stats.BatchesSent,
		"batches_dropped":     stats.BatchesDropped,
		"active_batches":      stats.ActiveBatches,
		"avg_ticks_per_frame": avgTicksPerFrame,
		"raw_channel_len":     stats.RawChannelLen,
		"raw_channel_cap":     stats.RawChannelCap,
		"norm_channel_len":    stats.NormChannelLen,
		"norm_channel_cap":    stats.NormChannelCap,
	})
	if stats.BatchesDropped > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
