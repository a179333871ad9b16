package channel

import (
	"context"
	"sync/atomic"
	"time"

	"quantfeed/logger"
)

// Channels groups the buffers between the feed clients, the tick processor
// and the writers.
type Channels struct {
	Market    *MarketChannels
	Portfolio *PortfolioChannels

	log *logger.Log
}

func NewChannels(tickBuffer, batchBuffer, portfolioBuffer int) *Channels {
	return &Channels{
		Market:    NewMarketChannels(tickBuffer, batchBuffer),
		Portfolio: NewPortfolioChannels(portfolioBuffer),
		log:       logger.GetLogger(),
	}
}

// StartMetricsReporting logs channel statistics every interval until ctx is
// done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	market := c.Market.GetStats()
	portfolio := c.Portfolio.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_sent":          market.RawSent,
		"raw_dropped":       market.RawDropped,
		"norm_sent":         market.NormSent,
		"norm_dropped":      market.NormDropped,
		"portfolio_sent":    portfolio.Sent,
		"portfolio_dropped": portfolio.Dropped,
		"raw_channel_len":   len(c.Market.Raw),
		"raw_channel_cap":   cap(c.Market.Raw),
		"norm_channel_len":  len(c.Market.Norm),
		"norm_channel_cap":  cap(c.Market.Norm),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.Market != nil {
		c.Market.Close()
	}
	if c.Portfolio != nil {
		c.Portfolio.Close()
	}
}

type counter struct{ n atomic.Int64 }

func (c *counter) add()       { c.n.Add(1) }
func (c *counter) get() int64 { return c.n.Load() }
