package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "quantfeed/config"
	"quantfeed/internal/channel"
	"quantfeed/internal/metrics"
	"quantfeed/internal/schema"
	"quantfeed/logger"
	"quantfeed/models"
)

// TickProcessor flattens decoded market frames into ticks and batches them
// per instrument before forwarding to the writers.
type TickProcessor struct {
	config   *appconfig.Config
	rawChan  <-chan models.RawFeedMessage
	channels *channel.MarketChannels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	batches   map[string]*models.TickBatch
	lastFlush map[string]time.Time

	framesProcessed atomic.Int64
	ticksProcessed  atomic.Int64
	batchesSent     atomic.Int64
	batchesDropped  atomic.Int64
}

// NewTickProcessor creates a processor reading channels.Raw and writing
// batches through channels.SendNorm.
func NewTickProcessor(cfg *appconfig.Config, channels *channel.MarketChannels) *TickProcessor {
	return &TickProcessor{
		config:    cfg,
		rawChan:   channels.Raw,
		channels:  channels,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		batches:   make(map[string]*models.TickBatch),
		lastFlush: make(map[string]time.Time),
	}
}

// Start begins processing frames from the raw channel.
func (p *TickProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("tick processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("tick_processor").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting tick processor")

	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.flusher()

	p.wg.Add(1)
	go p.metricsReporter(ctx)

	log.WithField("workers", workers).Info("tick processor started successfully")
	return nil
}

// Stop waits for the workers to exit and flushes the remaining batches. The
// context passed to Start must be cancelled or the raw channel closed first.
func (p *TickProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("tick_processor").Info("stopping tick processor")
	p.wg.Wait()
	p.flushAll()
	p.log.WithComponent("tick_processor").Info("tick processor stopped")
}

func (p *TickProcessor) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.rawChan:
			if !ok {
				return
			}
			p.handleMessage(msg)
		}
	}
}

func (p *TickProcessor) handleMessage(raw models.RawFeedMessage) {
	if raw.Frame == nil {
		return
	}
	p.framesProcessed.Add(1)

	ticks := Flatten(raw.Frame, raw.ReceivedAt)
	if len(ticks) == 0 {
		return
	}
	p.ticksProcessed.Add(int64(len(ticks)))
	metrics.AddTicksProcessed(len(ticks))

	for _, t := range ticks {
		p.addToBatch(raw, t)
	}
}

func (p *TickProcessor) addToBatch(raw models.RawFeedMessage, tick models.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := tick.InstrumentKey
	batch, ok := p.batches[key]
	if !ok {
		batch = &models.TickBatch{
			BatchID:       uuid.New().String(),
			Feed:          raw.Feed,
			InstrumentKey: key,
			Segment:       tick.Segment,
			Ticks:         make([]models.Tick, 0, p.config.Processor.BatchSize),
			Timestamp:     raw.ReceivedAt,
			ProcessedAt:   time.Now(),
		}
		p.batches[key] = batch
		p.lastFlush[key] = time.Now()
	}

	batch.Ticks = append(batch.Ticks, tick)
	batch.RecordCount = len(batch.Ticks)
	if raw.ReceivedAt.After(batch.Timestamp) {
		batch.Timestamp = raw.ReceivedAt
	}

	if batch.RecordCount >= p.config.Processor.BatchSize {
		p.flush(p.ctx, key)
	}
}

func (p *TickProcessor) flusher() {
	defer p.wg.Done()
	interval := p.config.Processor.BatchTimeout / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flushTimedOut()
		}
	}
}

func (p *TickProcessor) flushTimedOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, t := range p.lastFlush {
		if now.Sub(t) >= p.config.Processor.BatchTimeout {
			p.flush(p.ctx, k)
		}
	}
}

// flush hands the batch to the norm channel. A full channel drops the batch
// so one slow writer cannot stall the feed. Callers hold p.mu.
func (p *TickProcessor) flush(ctx context.Context, key string) {
	batch, ok := p.batches[key]
	if !ok {
		return
	}
	delete(p.batches, key)
	delete(p.lastFlush, key)
	if batch.RecordCount == 0 {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if p.channels.SendNorm(ctx, *batch) {
		p.batchesSent.Add(1)
		return
	}
	p.batchesDropped.Add(1)
	p.log.WithComponent("tick_processor").WithFields(logger.Fields{
		"instrument_key": key,
		"records":        batch.RecordCount,
	}).Warn("tick batch channel full, dropping batch")
	metrics.EmitDropMetric(p.log, metrics.DropMetricTickBatch, batch.Feed, batch.Segment, key, "processor")
}

// flushAll runs after the workers stopped, so it ignores the cancelled
// processing context.
func (p *TickProcessor) flushAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.batches {
		p.flush(context.Background(), k)
	}
}

// Stats returns the processor counters.
func (p *TickProcessor) Stats() metrics.ProcessorStats {
	p.mu.RLock()
	active := len(p.batches)
	p.mu.RUnlock()
	return metrics.ProcessorStats{
		FramesProcessed: p.framesProcessed.Load(),
		TicksProcessed:  p.ticksProcessed.Load(),
		BatchesSent:     p.batchesSent.Load(),
		BatchesDropped:  p.batchesDropped.Load(),
		ActiveBatches:   active,
		RawChannelLen:   len(p.rawChan),
		RawChannelCap:   cap(p.rawChan),
		NormChannelLen:  len(p.channels.Norm),
		NormChannelCap:  cap(p.channels.Norm),
	}
}

func (p *TickProcessor) metricsReporter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			running := p.running
			p.mu.RUnlock()
			if !running {
				return
			}
			metrics.ReportProcessor(p.log, "tick_processor", p.Stats())
		}
	}
}

// Flatten turns every instrument feed of a frame into one Tick. Feeds
// without a payload are skipped.
func Flatten(frame *schema.FeedResponse, receivedAt time.Time) []models.Tick {
	if frame == nil {
		return nil
	}
	keys := frame.Keys()
	out := make([]models.Tick, 0, len(keys))
	for _, key := range keys {
		feed, ok := frame.Feed(key)
		if !ok || feed.Kind() == "" {
			continue
		}
		out = append(out, flattenFeed(key, feed, frame.CurrentTS(), receivedAt))
	}
	return out
}

func flattenFeed(key string, feed schema.Feed, frameTS int64, receivedAt time.Time) models.Tick {
	t := models.Tick{
		InstrumentKey: key,
		Segment:       models.SegmentOf(key),
		Mode:          feed.RequestMode(),
		Kind:          feed.Kind(),
		FrameTS:       frameTS,
		ReceivedTime:  receivedAt.UnixMilli(),
	}

	if ltpc, ok := feed.LTPC(); ok {
		t.LTP = decimal.NewFromFloat(ltpc.LTP)
		t.LTT = ltpc.LTT
		t.LTQ = ltpc.LTQ
		t.Close = decimal.NewFromFloat(ltpc.CP)
	}

	stats := feed.Stats()
	t.ATP = decimal.NewFromFloat(stats.ATP)
	t.VTT = stats.VTT
	t.OI = stats.OI
	t.IV = stats.IV
	t.TBQ = stats.TBQ
	t.TSQ = stats.TSQ

	if depth := feed.Depth(); len(depth) > 0 {
		t.DepthLevels = len(depth)
		t.BidPrice = decimal.NewFromFloat(depth[0].BidPrice)
		t.BidQty = depth[0].BidQty
		t.AskPrice = decimal.NewFromFloat(depth[0].AskPrice)
		t.AskQty = depth[0].AskQty
	}

	if g, ok := feed.Greeks(); ok {
		t.Delta = g.Delta
		t.Theta = g.Theta
		t.Gamma = g.Gamma
		t.Vega = g.Vega
		t.Rho = g.Rho
	}

	if bar, ok := dailyBar(feed.OHLC()); ok {
		t.Open = decimal.NewFromFloat(bar.Open)
		t.High = decimal.NewFromFloat(bar.High)
		t.Low = decimal.NewFromFloat(bar.Low)
	}
	return t
}

// dailyBar prefers the 1d bar and falls back to the first one.
func dailyBar(bars []schema.OHLC) (schema.OHLC, bool) {
	if len(bars) == 0 {
		return schema.OHLC{}, false
	}
	for _, b := range bars {
		if b.Interval == "1d" {
			return b, true
		}
	}
	return bars[0], true
}
