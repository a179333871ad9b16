package upstox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"quantfeed/config"
	"quantfeed/internal/channel"
	"quantfeed/internal/metrics"
	"quantfeed/internal/schema"
	"quantfeed/internal/stream"
	"quantfeed/logger"
	"quantfeed/models"
)

const PortfolioFeedName = "portfolio"

// PortfolioClient streams order, position, holding and GTT updates. The
// feed takes no subscription requests.
type PortfolioClient = stream.Client[models.PortfolioUpdate]

// DecodePortfolio parses one JSON portfolio frame.
func DecodePortfolio(frame []byte) (models.PortfolioUpdate, error) {
	var u models.PortfolioUpdate
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return u, fmt.Errorf("%w: empty portfolio frame", schema.ErrMalformedFrame)
	}
	if err := json.Unmarshal(frame, &u); err != nil {
		return u, fmt.Errorf("%w: %v", schema.ErrMalformedFrame, err)
	}
	u.Raw = append(json.RawMessage(nil), frame...)
	u.ReceivedAt = time.Now()
	return u, nil
}

// NewPortfolioClient builds the portfolio feed client.
func NewPortfolioClient(cfg *config.Config, api *API, opts ...stream.Option) *PortfolioClient {
	fc := cfg.Feeds.Portfolio

	var query url.Values
	if len(fc.UpdateTypes) > 0 {
		query = url.Values{"update_types": {strings.Join(fc.UpdateTypes, ",")}}
	}

	var auth stream.Authorizer
	switch fc.AuthMode {
	case config.AuthModeHeader:
		u := fc.URL
		if u == "" {
			u = DefaultPortfolioFeedURL
		}
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		auth = stream.BearerURL(u)
	default:
		auth = api.Authorizer(PortfolioAuthorizePath, query)
	}

	log := logger.GetLogger().WithComponent("portfolio_feed")
	opts = append([]stream.Option{stream.WithLogger(log)}, opts...)

	scfg := streamConfig(PortfolioFeedName, cfg.Reconnect, fc.PingInterval, fc.QueueSize)
	return stream.NewClient[models.PortfolioUpdate](scfg, auth, DecodePortfolio, nil, opts...)
}

// PipePortfolio forwards updates of c to the portfolio channel.
func PipePortfolio(ctx context.Context, c *PortfolioClient, ch *channel.PortfolioChannels) func() {
	log := logger.GetLogger()
	return c.OnMessage(func(u models.PortfolioUpdate) {
		if !ch.Send(ctx, u) {
			metrics.EmitDropMetric(log, metrics.DropMetricPortfolio, c.Name(), u.Exchange, u.InstrumentToken, "reader")
		}
	})
}
