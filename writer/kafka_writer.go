package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "quantfeed/config"
	"quantfeed/internal/metrics"
	"quantfeed/logger"
	"quantfeed/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes tick batches to the tick topic and, when a
// portfolio channel is attached, portfolio updates to the portfolio topic.
// Topics are set per message, so one kafka.Writer serves both.
type KafkaWriter struct {
	config        *appconfig.Config
	portfolioChan <-chan models.PortfolioUpdate
	writer        messageWriter
	ctx           context.Context
	wg            *sync.WaitGroup
	mu            sync.RWMutex
	running       bool
	log           *logger.Log

	batchesWritten atomic.Int64
	updatesWritten atomic.Int64
	errorsCount    atomic.Int64
}

func NewKafkaWriter(cfg *appconfig.Config, portfolioChan <-chan models.PortfolioUpdate) (*KafkaWriter, error) {
	kc := cfg.Storage.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := newKafkaWriter(cfg, portfolioChan, &kafka.Writer{
		Addr:         kafka.TCP(kc.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    kc.BatchSize,
		BatchTimeout: kc.BatchTimeout,
	})
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers":         kc.Brokers,
		"tick_topic":      kc.TickTopic,
		"portfolio_topic": kc.PortfolioTopic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(cfg *appconfig.Config, portfolioChan <-chan models.PortfolioUpdate, w messageWriter) *KafkaWriter {
	return &KafkaWriter{
		config:        cfg,
		portfolioChan: portfolioChan,
		writer:        w,
		ctx:           context.Background(),
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Name() string { return "kafka" }

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx = context.WithoutCancel(ctx)
	kw.mu.Unlock()

	if kw.portfolioChan != nil && kw.config.Storage.Kafka.PortfolioTopic != "" {
		kw.wg.Add(1)
		go kw.runPortfolio()
	}
	kw.log.WithComponent("kafka_writer").Info("kafka writer started")
	return nil
}

// Stop drains the portfolio channel, which must be closed first, then
// closes the underlying writer.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()

	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	metrics.ReportWriter(kw.log, "kafka_writer", kw.Stats())
	kw.log.WithComponent("kafka_writer").Info("kafka writer stopped")
}

// WriteBatch publishes batch keyed by instrument so one instrument stays on
// one partition.
func (kw *KafkaWriter) WriteBatch(ctx context.Context, batch models.TickBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		kw.errorsCount.Add(1)
		return fmt.Errorf("marshal tick batch: %w", err)
	}
	msg := kafka.Message{
		Topic: kw.config.Storage.Kafka.TickTopic,
		Key:   []byte(batch.InstrumentKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "feed", Value: []byte(batch.Feed)},
			{Key: "batch_id", Value: []byte(batch.BatchID)},
		},
		Time: batch.Timestamp,
	}
	if err := kw.writer.WriteMessages(ctx, msg); err != nil {
		kw.errorsCount.Add(1)
		return fmt.Errorf("write tick batch: %w", err)
	}
	kw.batchesWritten.Add(1)
	return nil
}

func (kw *KafkaWriter) runPortfolio() {
	defer kw.wg.Done()
	log := kw.log.WithComponent("kafka_writer").WithField("topic", kw.config.Storage.Kafka.PortfolioTopic)

	for u := range kw.portfolioChan {
		if err := kw.writeUpdate(u); err != nil {
			kw.errorsCount.Add(1)
			log.WithError(err).WithField("update_type", u.UpdateType).Warn("failed to write portfolio update")
			continue
		}
		kw.updatesWritten.Add(1)
		metrics.IncrementBatchesWritten("kafka_portfolio")
	}
}

func (kw *KafkaWriter) writeUpdate(u models.PortfolioUpdate) error {
	value := []byte(u.Raw)
	if len(value) == 0 {
		var err error
		if value, err = json.Marshal(u); err != nil {
			return fmt.Errorf("marshal portfolio update: %w", err)
		}
	}
	return kw.writer.WriteMessages(kw.ctx, kafka.Message{
		Topic:   kw.config.Storage.Kafka.PortfolioTopic,
		Key:     []byte(u.Key()),
		Value:   value,
		Headers: []kafka.Header{{Key: "update_type", Value: []byte(u.UpdateType)}},
		Time:    u.ReceivedAt,
	})
}

func (kw *KafkaWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: kw.batchesWritten.Load() + kw.updatesWritten.Load(),
		ErrorsCount:    kw.errorsCount.Load(),
		ChannelLen:     len(kw.portfolioChan),
		ChannelCap:     cap(kw.portfolioChan),
	}
}
