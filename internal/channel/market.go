package channel

import (
	"context"
	"sync"

	"quantfeed/logger"
	"quantfeed/models"
)

type MarketStats struct {
	RawSent     int64
	NormSent    int64
	RawDropped  int64
	NormDropped int64
}

// MarketChannels carries decoded market frames to the tick processor and the
// resulting tick batches to the writers.
type MarketChannels struct {
	Raw  chan models.RawFeedMessage
	Norm chan models.TickBatch

	rawSent     counter
	normSent    counter
	rawDropped  counter
	normDropped counter
	mu          sync.RWMutex
	closed      bool
	log         *logger.Log
}

func NewMarketChannels(rawBufferSize, normBufferSize int) *MarketChannels {
	log := logger.GetLogger()
	c := &MarketChannels{
		Raw:  make(chan models.RawFeedMessage, rawBufferSize),
		Norm: make(chan models.TickBatch, normBufferSize),
		log:  log,
	}

	log.WithComponent("market_channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("market channels initialized")

	return c
}

// Close closes both channels. Sends after Close report false.
func (c *MarketChannels) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.Raw)
	close(c.Norm)
	c.mu.Unlock()
	c.log.WithComponent("market_channels").Info("market channels closed")
}

// SendRaw never blocks; a full buffer counts as a drop.
func (c *MarketChannels) SendRaw(ctx context.Context, msg models.RawFeedMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Raw <- msg:
		c.rawSent.add()
		return true
	case <-ctx.Done():
		return false
	default:
		c.rawDropped.add()
		return false
	}
}

func (c *MarketChannels) SendNorm(ctx context.Context, batch models.TickBatch) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Norm <- batch:
		c.normSent.add()
		return true
	case <-ctx.Done():
		return false
	default:
		c.normDropped.add()
		return false
	}
}

func (c *MarketChannels) GetStats() MarketStats {
	return MarketStats{
		RawSent:     c.rawSent.get(),
		NormSent:    c.normSent.get(),
		RawDropped:  c.rawDropped.get(),
		NormDropped: c.normDropped.get(),
	}
}
