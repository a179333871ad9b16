package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type feedStat struct {
	frames       int64
	bytes        int64
	decodeErrors int64
	reconnects   int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	feeds      sync.Map // feed name -> *feedStat
	components sync.Map // component -> *componentStat
)

func feedStats(feed string) *feedStat {
	v, _ := feeds.LoadOrStore(feed, &feedStat{})
	return v.(*feedStat)
}

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// RecordFrame counts one inbound websocket frame of size bytes on feed.
func RecordFrame(feed string, size int) {
	fs := feedStats(feed)
	atomic.AddInt64(&fs.frames, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// RecordDecodeError counts a frame that could not be decoded.
func RecordDecodeError(feed string) {
	atomic.AddInt64(&feedStats(feed).decodeErrors, 1)
}

// RecordReconnect counts a scheduled reconnect attempt.
func RecordReconnect(feed string) {
	atomic.AddInt64(&feedStats(feed).reconnects, 1)
}

// FeedCounters is a point in time copy of the counters of one feed.
type FeedCounters struct {
	Frames       int64 `json:"frames"`
	Bytes        int64 `json:"bytes"`
	DecodeErrors int64 `json:"decode_errors"`
	Reconnects   int64 `json:"reconnects"`
}

// SnapshotFeeds returns the current counters of every feed seen so far.
func SnapshotFeeds() map[string]FeedCounters {
	out := make(map[string]FeedCounters)
	feeds.Range(func(k, v any) bool {
		fs := v.(*feedStat)
		out[k.(string)] = FeedCounters{
			Frames:       atomic.LoadInt64(&fs.frames),
			Bytes:        atomic.LoadInt64(&fs.bytes),
			DecodeErrors: atomic.LoadInt64(&fs.decodeErrors),
			Reconnects:   atomic.LoadInt64(&fs.reconnects),
		}
		return true
	})
	return out
}

// StartReport logs a runtime report every interval until ctx is done and
// publishes the same numbers to CloudWatch when it is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}

	counters := SnapshotFeeds()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memMB),
		"feeds":       counters,
		"components":  componentData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
	}
	for _, name := range names {
		c := counters[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Feed"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("FeedFrames"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c.Frames))},
			cwtypes.MetricDatum{MetricName: aws.String("FeedBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(c.Bytes))},
			cwtypes.MetricDatum{MetricName: aws.String("FeedDecodeErrors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c.DecodeErrors))},
			cwtypes.MetricDatum{MetricName: aws.String("FeedReconnects"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c.Reconnects))},
		)
	}

	PublishMetricData(ctx, data)
}
