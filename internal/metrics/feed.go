package metrics

import (
	"errors"

	"quantfeed/internal/schema"
	"quantfeed/internal/stream"
	"quantfeed/logger"
)

// ObserveFeed registers listeners on c that keep the feed counters current.
// The returned func removes them.
func ObserveFeed[M any](c *stream.Client[M]) func() {
	Init()
	feed := c.Name()
	log := logger.GetLogger()
	feedState.WithLabelValues(feed).Set(0)

	offs := []func(){
		c.OnOpen(func(stream.OpenEvent) {
			feedState.WithLabelValues(feed).Set(1)
		}),
		c.OnClose(func(stream.CloseEvent) {
			feedState.WithLabelValues(feed).Set(0)
		}),
		c.OnMessage(func(M) {
			feedMessages.WithLabelValues(feed).Inc()
		}),
		c.OnError(func(ev stream.ErrorEvent) {
			feedErrors.WithLabelValues(feed, errorKind(ev.Err)).Inc()
		}),
		c.OnReconnecting(func(ev stream.ReconnectEvent) {
			if ev.Exhausted {
				feedExhausted.WithLabelValues(feed).Inc()
				EmitMetric(log, "feed", "reconnect_exhausted", 1, "counter", logger.Fields{"feed": feed})
				return
			}
			feedReconnects.WithLabelValues(feed).Inc()
			EmitMetric(log, "feed", "reconnect_attempt", ev.Attempt, "gauge", logger.Fields{"feed": feed})
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, schema.ErrMalformedFrame), errors.Is(err, schema.ErrSchemaUnavailable):
		return "decode"
	case errors.Is(err, stream.ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
