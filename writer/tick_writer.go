package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "quantfeed/config"
	"quantfeed/internal/metadata"
	"quantfeed/internal/metrics"
	"quantfeed/logger"
	"quantfeed/models"
)

// maxBufferedTicks forces an early flush of one partition buffer.
const maxBufferedTicks = 50000

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type tickBuffer struct {
	segment    string
	instrument string
	ticks      []models.Tick
	first      time.Time
}

// TickWriter archives tick batches to S3 as parquet files. Ticks are
// buffered per partition and uploaded on every flush interval and on Stop.
type TickWriter struct {
	config  *appconfig.Config
	s3      objectPutter
	catalog *metadata.Catalog
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
	now     func() time.Time

	buffer map[string]*tickBuffer

	filesWritten   atomic.Int64
	recordsWritten atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64
}

// NewTickWriter loads the AWS configuration and builds the S3 client.
func NewTickWriter(cfg *appconfig.Config) (*TickWriter, error) {
	ctx := context.Background()
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("tick_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := newTickWriter(cfg, client)
	log.WithComponent("tick_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
		"scheme":     cfg.Writer.Partitioning.Scheme,
	}).Info("tick writer initialized")
	return w, nil
}

func newTickWriter(cfg *appconfig.Config, client objectPutter) *TickWriter {
	w := &TickWriter{
		config: cfg,
		s3:     client,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		now:    time.Now,
		buffer: make(map[string]*tickBuffer),
		ctx:    context.Background(),
	}
	if dir := cfg.Writer.ManifestDir; dir != "" {
		location := fmt.Sprintf("s3://%s/%s", cfg.Storage.S3.Bucket, strings.Trim(cfg.Storage.S3.Prefix, "/"))
		w.catalog = metadata.NewCatalog(dir, location, "ticks")
	}
	return w
}

func (w *TickWriter) Name() string { return "s3" }

func (w *TickWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("tick writer already running")
	}
	w.running = true
	w.ctx = context.WithoutCancel(ctx)
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.flushWorker(workerCtx)

	w.log.WithComponent("tick_writer").WithField("flush_interval", w.config.Writer.FlushInterval.String()).Info("tick writer started")
	return nil
}

// Stop ends the flush worker and uploads whatever is still buffered.
func (w *TickWriter) Stop() {
	w.mu.Lock()
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	w.wg.Wait()
	w.flushBuffers("shutdown")
	if w.catalog != nil {
		if err := w.catalog.WriteCatalogEntry(path.Join(w.config.Writer.ManifestDir, "catalog")); err != nil {
			w.log.WithComponent("tick_writer").WithError(err).Warn("failed to write catalog entry")
		}
	}
	w.log.WithComponent("tick_writer").Info("tick writer stopped")
}

// WriteBatch buffers the ticks of batch. A buffer reaching maxBufferedTicks
// is uploaded right away.
func (w *TickWriter) WriteBatch(ctx context.Context, batch models.TickBatch) error {
	if len(batch.Ticks) == 0 {
		return nil
	}
	key, segment, instrument := w.bufferKey(batch)

	w.mu.Lock()
	buf, ok := w.buffer[key]
	if !ok {
		buf = &tickBuffer{segment: segment, instrument: instrument, first: batch.Timestamp}
		if buf.first.IsZero() {
			buf.first = w.now()
		}
		w.buffer[key] = buf
	}
	buf.ticks = append(buf.ticks, batch.Ticks...)
	var full *tickBuffer
	if len(buf.ticks) >= maxBufferedTicks {
		full = buf
		delete(w.buffer, key)
	}
	w.mu.Unlock()

	if full != nil {
		return w.upload(ctx, full)
	}
	return nil
}

func (w *TickWriter) bufferKey(batch models.TickBatch) (key, segment, instrument string) {
	segment = batch.Segment
	if segment == "" {
		segment = "UNKNOWN"
	}
	if w.config.Writer.Partitioning.Scheme == appconfig.PartitionDate {
		return segment, segment, ""
	}
	return batch.InstrumentKey, segment, batch.InstrumentKey
}

func (w *TickWriter) flushWorker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.Writer.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *TickWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string]*tickBuffer)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	w.log.WithComponent("tick_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	keys := make([]string, 0, len(buffers))
	for k := range buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.upload(w.ctx, buffers[k]); err != nil {
			w.log.WithComponent("tick_writer").WithError(err).WithField("buffer", k).Error("failed to archive ticks")
		}
	}
}

func (w *TickWriter) upload(ctx context.Context, buf *tickBuffer) error {
	if len(buf.ticks) == 0 {
		return nil
	}
	key := w.objectKey(buf)
	log := w.log.WithComponent("tick_writer").WithFields(logger.Fields{
		"s3_key":       key,
		"record_count": len(buf.ticks),
	})

	data, err := encodeTicks(buf.ticks, w.config.Writer.Compression)
	if err != nil {
		w.errorsCount.Add(1)
		return err
	}

	_, err = w.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.config.Writer.Compression,
			"quantfeed-version": w.config.App.Version,
		},
	})
	if err != nil {
		w.errorsCount.Add(1)
		log.WithError(err).WithField("bucket", w.config.Storage.S3.Bucket).Error("failed to upload to S3")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}

	w.filesWritten.Add(1)
	w.recordsWritten.Add(int64(len(buf.ticks)))
	w.bytesWritten.Add(int64(len(data)))
	log.WithField("file_size", len(data)).Info("ticks archived")
	metrics.EmitMetric(w.log, "tick_writer", "records_archived", len(buf.ticks), "counter", logger.Fields{"segment": buf.segment})

	if w.catalog != nil {
		partition := map[string]string{"segment": buf.segment, "date": buf.first.UTC().Format(w.timeFormat())}
		if buf.instrument != "" {
			partition["instrument"] = buf.instrument
		}
		df := metadata.DataFile{
			Path:        fmt.Sprintf("s3://%s/%s", w.config.Storage.S3.Bucket, key),
			FileSize:    int64(len(data)),
			RecordCount: int64(len(buf.ticks)),
			Partition:   partition,
			Timestamp:   w.now(),
		}
		if err := w.catalog.AddFile(df); err != nil {
			log.WithError(err).Warn("failed to update manifest")
		}
	}
	return nil
}

func (w *TickWriter) timeFormat() string {
	if f := w.config.Writer.Partitioning.TimeFormat; f != "" {
		return f
	}
	return "2006-01-02"
}

// objectKey renders
// <prefix>/segment=<seg>/instrument=<key>/date=<date>/hour=<hh>/<file>.parquet,
// omitting the instrument directory for the date scheme.
func (w *TickWriter) objectKey(buf *tickBuffer) string {
	ts := buf.first.UTC()
	parts := []string{}
	if p := strings.Trim(w.config.Storage.S3.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, "segment="+sanitize(buf.segment))
	if buf.instrument != "" {
		parts = append(parts, "instrument="+sanitize(buf.instrument))
	}
	parts = append(parts,
		"date="+ts.Format(w.timeFormat()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
	)

	name := buf.instrument
	if name == "" {
		name = buf.segment
	}
	file := fmt.Sprintf("ticks_%s_%s_%s.parquet", sanitize(name), ts.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(append(parts, file)...)
}

// sanitize makes an instrument key safe for an object key path element.
func sanitize(s string) string {
	return strings.NewReplacer("|", "_", " ", "_", "/", "_", "=", "_").Replace(s)
}

func (w *TickWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: w.filesWritten.Load(),
		RecordsWritten: w.recordsWritten.Load(),
		BytesWritten:   w.bytesWritten.Load(),
		ErrorsCount:    w.errorsCount.Load(),
	}
}
