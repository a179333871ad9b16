package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "quantfeed/config"
	"quantfeed/internal/metrics"
	"quantfeed/logger"
	"quantfeed/models"
)

// BatchSink receives every tick batch leaving the processor.
type BatchSink interface {
	Name() string
	WriteBatch(ctx context.Context, batch models.TickBatch) error
}

// Fanout drains the tick batch channel and hands each batch to every sink.
// Workers exit once the channel is closed, so batches flushed by the
// processor during shutdown still reach the sinks.
type Fanout struct {
	config    *appconfig.Config
	batchChan <-chan models.TickBatch
	sinks     []BatchSink
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	batchesWritten atomic.Int64
	recordsWritten atomic.Int64
	errorsCount    atomic.Int64
}

func NewFanout(cfg *appconfig.Config, batchChan <-chan models.TickBatch, sinks ...BatchSink) *Fanout {
	return &Fanout{
		config:    cfg,
		batchChan: batchChan,
		sinks:     sinks,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("batch fanout already running")
	}
	f.running = true
	// writes outlive the daemon context so shutdown flushes complete
	f.ctx = context.WithoutCancel(ctx)
	f.mu.Unlock()

	workers := f.config.Writer.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	f.log.WithComponent("batch_fanout").WithFields(logger.Fields{
		"workers": workers,
		"sinks":   names,
	}).Info("starting batch fanout")

	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}

	go f.metricsReporter(ctx)
	return nil
}

// Stop waits for the workers. The batch channel must be closed first.
func (f *Fanout) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.log.WithComponent("batch_fanout").Info("batch fanout stopped")
}

func (f *Fanout) worker(id int) {
	defer f.wg.Done()
	log := f.log.WithComponent("batch_fanout").WithField("worker_id", id)

	for batch := range f.batchChan {
		for _, sink := range f.sinks {
			if err := sink.WriteBatch(f.ctx, batch); err != nil {
				f.errorsCount.Add(1)
				log.WithError(err).WithFields(logger.Fields{
					"sink":           sink.Name(),
					"batch_id":       batch.BatchID,
					"instrument_key": batch.InstrumentKey,
				}).Error("sink rejected batch")
				continue
			}
			metrics.IncrementBatchesWritten(sink.Name())
		}
		f.batchesWritten.Add(1)
		f.recordsWritten.Add(int64(batch.RecordCount))
		logger.LogDataFlowEntry(log, "tick_batch_channel", "sinks", batch.RecordCount, "ticks")
	}
}

func (f *Fanout) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: f.batchesWritten.Load(),
		RecordsWritten: f.recordsWritten.Load(),
		ErrorsCount:    f.errorsCount.Load(),
		ChannelLen:     len(f.batchChan),
		ChannelCap:     cap(f.batchChan),
	}
}

func (f *Fanout) metricsReporter(ctx context.Context) {
	interval := f.config.Metrics.ReportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportWriter(f.log, "batch_fanout", f.Stats())
		}
	}
}
