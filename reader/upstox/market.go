package upstox

import (
	"context"
	"fmt"
	"time"

	"quantfeed/config"
	"quantfeed/internal/channel"
	"quantfeed/internal/metrics"
	"quantfeed/internal/schema"
	"quantfeed/internal/stream"
	"quantfeed/logger"
	"quantfeed/models"
)

const MarketFeedName = "market"

// MarketClient streams decoded market frames.
type MarketClient = stream.Client[*schema.FeedResponse]

// NewMarketClient builds the market data client. The schema is loaded
// eagerly so a bad descriptor file fails at startup rather than on the
// first frame.
func NewMarketClient(cfg *config.Config, api *API, opts ...stream.Option) (*MarketClient, error) {
	fc := cfg.Feeds.Market

	reg := schema.Default()
	if fc.SchemaFile != "" {
		reg = schema.NewRegistry(schema.FileSource(fc.SchemaFile), schema.FeedResponseName)
	}
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load market schema: %w", err)
	}

	var auth stream.Authorizer
	switch fc.AuthMode {
	case config.AuthModeHeader:
		url := fc.URL
		if url == "" {
			url = DefaultMarketFeedURL
		}
		auth = stream.BearerURL(url)
	default:
		auth = api.Authorizer(MarketAuthorizePath, nil)
	}

	log := logger.GetLogger().WithComponent("market_feed")
	opts = append([]stream.Option{stream.WithLogger(log)}, opts...)

	scfg := streamConfig(MarketFeedName, cfg.Reconnect, fc.PingInterval, fc.QueueSize)
	scfg.MaxKeysPerRequest = fc.MaxKeysPerRequest
	return stream.NewClient[*schema.FeedResponse](scfg, auth, reg.Decode, stream.JSONRequestEncoder{}, opts...), nil
}

func streamConfig(name string, rc config.ReconnectConfig, ping time.Duration, queue int) stream.Config {
	enabled := rc.Enabled
	return stream.Config{
		Name:              name,
		ReconnectEnabled:  &enabled,
		ReconnectInterval: rc.Interval,
		MaxAttempts:       rc.MaxAttempts,
		PingInterval:      ping,
		QueueSize:         queue,
	}
}

// PipeMarket forwards decoded frames of c to the raw market channel.
// market_info frames are logged as well. The returned func detaches the
// listener.
func PipeMarket(ctx context.Context, c *MarketClient, ch *channel.MarketChannels) func() {
	log := logger.GetLogger()
	entry := log.WithComponent("market_feed")
	return c.OnMessage(func(frame *schema.FeedResponse) {
		if frame == nil {
			return
		}
		if status := frame.MarketStatus(); len(status) > 0 {
			entry.WithFields(logger.Fields{"segments": status}).Info("market status update")
		}
		msg := models.RawFeedMessage{Feed: c.Name(), Frame: frame, ReceivedAt: time.Now()}
		if !ch.SendRaw(ctx, msg) {
			metrics.EmitDropMetric(log, metrics.DropMetricMarketRaw, c.Name(), "", "", "reader")
		}
	})
}

// SubscribeWatchlist subscribes every watchlist group in its own mode.
func SubscribeWatchlist(c *MarketClient, wl *config.Watchlist) error {
	for mode, keys := range wl.ByMode() {
		if err := c.Subscribe(keys, mode); err != nil {
			return fmt.Errorf("subscribe %d keys in %s: %w", len(keys), mode, err)
		}
	}
	return nil
}
