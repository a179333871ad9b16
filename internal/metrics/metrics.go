// Registers:
//
//	#quantfeed_feed_frames_total, _bytes_total, _decode_errors_total
//	#quantfeed_feed_messages_total, _errors_total
//	#quantfeed_feed_reconnects_total, _reconnect_exhausted_total
//	#quantfeed_feed_state
//	#quantfeed_channel_drops_total, quantfeed_channel_length
//	#quantfeed_ticks_processed_total, quantfeed_batches_written_total
//	#go_* and process_* system metrics
//
// Serve exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantfeed/logger"
)

var (
	once sync.Once

	feedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfeed_feed_messages_total",
		Help: "Frames decoded and delivered to listeners per feed",
	}, []string{"feed"})
	feedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfeed_feed_errors_total",
		Help: "Transport and decode errors per feed",
	}, []string{"feed", "kind"})
	feedReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfeed_feed_reconnects_total",
		Help: "Scheduled reconnect attempts per feed",
	}, []string{"feed"})
	feedExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfeed_feed_reconnect_exhausted_total",
		Help: "Times a feed gave up reconnecting",
	}, []string{"feed"})
	feedState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantfeed_feed_state",
		Help: "1 while the feed is open, 0 otherwise",
	}, []string{"feed"})
	channelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfeed_channel_drops_total",
		Help: "Messages dropped on full buffers",
	}, []string{"metric", "stage"})
	channelLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantfeed_channel_length",
		Help: "Current buffer occupancy",
	}, []string{"buffer"})
	ticksProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantfeed_ticks_processed_total",
		Help: "Ticks flattened from market frames",
	})
	batchesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantfeed_batches_written_total",
		Help: "Batches written per sink",
	}, []string{"sink"})
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		for _, c := range []prometheus.Collector{
			feedCounters{}, feedMessages, feedErrors, feedReconnects, feedExhausted, feedState,
			channelDrops, channelLength, ticksProcessed, batchesWritten,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := prometheus.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					logger.GetLogger().WithComponent("metrics").WithError(err).Warn("failed to register collector")
				}
			}
		}
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.GetLogger().WithComponent("metrics").WithField("addr", addr).Info("metrics server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// AddTicksProcessed adds n flattened ticks.
func AddTicksProcessed(n int) {
	ticksProcessed.Add(float64(n))
}

// IncrementBatchesWritten counts one batch written by sink.
func IncrementBatchesWritten(sink string) {
	batchesWritten.WithLabelValues(sink).Inc()
}

var (
	framesDesc = prometheus.NewDesc("quantfeed_feed_frames_total",
		"Inbound websocket frames received per feed", []string{"feed"}, nil)
	bytesDesc = prometheus.NewDesc("quantfeed_feed_bytes_total",
		"Inbound websocket payload bytes per feed", []string{"feed"}, nil)
	decodeErrorsDesc = prometheus.NewDesc("quantfeed_feed_decode_errors_total",
		"Frames that failed to decode per feed", []string{"feed"}, nil)
)

// feedCounters exports the counters the stream clients keep in the logger
// package.
type feedCounters struct{}

func (feedCounters) Describe(ch chan<- *prometheus.Desc) {
	ch <- framesDesc
	ch <- bytesDesc
	ch <- decodeErrorsDesc
}

func (feedCounters) Collect(ch chan<- prometheus.Metric) {
	for feed, c := range logger.SnapshotFeeds() {
		ch <- prometheus.MustNewConstMetric(framesDesc, prometheus.CounterValue, float64(c.Frames), feed)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(c.Bytes), feed)
		ch <- prometheus.MustNewConstMetric(decodeErrorsDesc, prometheus.CounterValue, float64(c.DecodeErrors), feed)
	}
}
