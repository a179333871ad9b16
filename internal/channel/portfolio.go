package channel

import (
	"context"
	"sync"

	"quantfeed/logger"
	"quantfeed/models"
)

type PortfolioStats struct {
	Sent    int64
	Dropped int64
}

// PortfolioChannels carries portfolio feed updates to the Kafka writer.
type PortfolioChannels struct {
	Updates chan models.PortfolioUpdate

	sent    counter
	dropped counter
	mu      sync.RWMutex
	closed  bool
	log     *logger.Log
}

func NewPortfolioChannels(bufferSize int) *PortfolioChannels {
	log := logger.GetLogger()
	c := &PortfolioChannels{
		Updates: make(chan models.PortfolioUpdate, bufferSize),
		log:     log,
	}
	log.WithComponent("portfolio_channels").WithField("buffer_size", bufferSize).Info("portfolio channels initialized")
	return c
}

func (c *PortfolioChannels) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.Updates)
	c.mu.Unlock()
	c.log.WithComponent("portfolio_channels").Info("portfolio channels closed")
}

func (c *PortfolioChannels) Send(ctx context.Context, u models.PortfolioUpdate) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Updates <- u:
		c.sent.add()
		return true
	case <-ctx.Done():
		return false
	default:
		c.dropped.add()
		return false
	}
}

func (c *PortfolioChannels) GetStats() PortfolioStats {
	return PortfolioStats{Sent: c.sent.get(), Dropped: c.dropped.get()}
}
