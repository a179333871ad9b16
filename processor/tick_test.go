package processor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "quantfeed/config"
	"quantfeed/internal/channel"
	"quantfeed/internal/schema"
	"quantfeed/models"
)

const optionFrame = `{
  "type": "live_feed",
  "currentTs": "1718000000000",
  "feeds": {
    "NSE_INDEX|Nifty 50": {
      "fullFeed": {
        "indexFF": {
          "ltpc": {"ltp": 22450.5, "ltt": "1718000000000", "cp": 22400},
          "marketOHLC": {"ohlc": [
            {"interval": "I1", "open": 22440, "high": 22455, "low": 22438, "close": 22450.5},
            {"interval": "1d", "open": 22410, "high": 22480, "low": 22390, "close": 22450.5}
          ]}
        }
      },
      "requestMode": "full_d5"
    },
    "NSE_FO|45450": {
      "firstLevelWithGreeks": {
        "ltpc": {"ltp": 101.25, "ltt": "1718000000100", "ltq": "50", "cp": 98},
        "firstDepth": {"bidQ": "75", "bidP": 101.2, "askQ": "150", "askP": 101.3},
        "optionGreeks": {"delta": 0.52, "theta": -9.1, "gamma": 0.0011, "vega": 12.4, "rho": 3.2},
        "vtt": "125000",
        "oi": 3400000,
        "iv": 0.145
      },
      "requestMode": "option_greeks"
    }
  }
}`

func decodeFrame(t *testing.T, js string) *schema.FeedResponse {
	t.Helper()
	reg := schema.Default()
	if err := reg.Load(); err != nil {
		t.Fatalf("load schema: %v", err)
	}
	data, err := reg.FrameFromJSON([]byte(js))
	if err != nil {
		t.Fatalf("frame from json: %v", err)
	}
	frame, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Processor: appconfig.ProcessorConfig{
			MaxWorkers:   1,
			BatchSize:    1,
			BatchTimeout: time.Millisecond,
		},
	}
}

func TestFlatten(t *testing.T) {
	received := time.UnixMilli(1718000000500)
	ticks := Flatten(decodeFrame(t, optionFrame), received)
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks", len(ticks))
	}

	// keys come back sorted
	opt, idx := ticks[0], ticks[1]
	if opt.InstrumentKey != "NSE_FO|45450" || idx.InstrumentKey != "NSE_INDEX|Nifty 50" {
		t.Fatalf("unexpected order %s, %s", opt.InstrumentKey, idx.InstrumentKey)
	}

	if opt.Segment != "NSE_FO" || opt.Mode != "option_greeks" || opt.Kind != "firstLevelWithGreeks" {
		t.Fatalf("unexpected option header %+v", opt)
	}
	if !opt.LTP.Equal(decimal.RequireFromString("101.25")) || opt.LTQ != 50 {
		t.Fatalf("ltp=%s ltq=%d", opt.LTP, opt.LTQ)
	}
	if opt.BidQty != 75 || opt.AskQty != 150 || opt.DepthLevels != 1 {
		t.Fatalf("unexpected depth %+v", opt)
	}
	if !opt.Spread().Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("spread = %s", opt.Spread())
	}
	if opt.Delta != 0.52 || opt.VTT != 125000 || opt.OI != 3400000 {
		t.Fatalf("greeks/stats missing %+v", opt)
	}
	if opt.FrameTS != 1718000000000 || opt.ReceivedTime != 1718000000500 {
		t.Fatalf("timestamps %d %d", opt.FrameTS, opt.ReceivedTime)
	}

	if !idx.Open.Equal(decimal.NewFromInt(22410)) || !idx.High.Equal(decimal.NewFromInt(22480)) {
		t.Fatalf("daily bar not preferred: open=%s high=%s", idx.Open, idx.High)
	}
	if !idx.Change().Equal(decimal.RequireFromString("50.5")) {
		t.Fatalf("change = %s", idx.Change())
	}
	if idx.DepthLevels != 0 || !idx.BidPrice.IsZero() {
		t.Fatalf("index must not carry depth %+v", idx)
	}
}

func TestFlattenNil(t *testing.T) {
	if ticks := Flatten(nil, time.Now()); ticks != nil {
		t.Fatalf("expected nil, got %v", ticks)
	}
}

func TestTickProcessorStartStop(t *testing.T) {
	ch := channel.NewMarketChannels(1, 1)
	p := NewTickProcessor(minimalConfig(), ch)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	p.Stop()
	p.Stop()
}

func TestTickProcessorBatchesBySize(t *testing.T) {
	cfg := minimalConfig()
	cfg.Processor.BatchSize = 2
	cfg.Processor.BatchTimeout = time.Hour
	ch := channel.NewMarketChannels(4, 4)
	p := NewTickProcessor(cfg, ch)

	frame := decodeFrame(t, optionFrame)
	raw := models.RawFeedMessage{Feed: "market", Frame: frame, ReceivedAt: time.Now()}
	p.handleMessage(raw)
	if len(ch.Norm) != 0 {
		t.Fatal("batch flushed before reaching its size")
	}
	p.handleMessage(raw)

	if len(ch.Norm) != 2 {
		t.Fatalf("expected one batch per instrument, got %d", len(ch.Norm))
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		b := <-ch.Norm
		if b.RecordCount != 2 || len(b.Ticks) != 2 || b.BatchID == "" || b.Feed != "market" {
			t.Fatalf("unexpected batch %+v", b)
		}
		seen[b.InstrumentKey] = true
	}
	if !seen["NSE_FO|45450"] || !seen["NSE_INDEX|Nifty 50"] {
		t.Fatalf("missing instruments: %v", seen)
	}

	st := p.Stats()
	if st.FramesProcessed != 2 || st.TicksProcessed != 4 || st.BatchesSent != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestTickProcessorFlushesOnTimeout(t *testing.T) {
	cfg := minimalConfig()
	cfg.Processor.BatchSize = 100
	cfg.Processor.BatchTimeout = 10 * time.Millisecond
	ch := channel.NewMarketChannels(4, 4)
	p := NewTickProcessor(cfg, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.SendRaw(ctx, models.RawFeedMessage{Feed: "market", Frame: decodeFrame(t, optionFrame), ReceivedAt: time.Now()})

	for i := 0; i < 2; i++ {
		select {
		case b := <-ch.Norm:
			if b.RecordCount != 1 {
				t.Fatalf("unexpected batch %+v", b)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for flush")
		}
	}
	cancel()
	p.Stop()
}

func TestTickProcessorStopFlushesPending(t *testing.T) {
	cfg := minimalConfig()
	cfg.Processor.BatchSize = 100
	cfg.Processor.BatchTimeout = time.Hour
	ch := channel.NewMarketChannels(4, 4)
	p := NewTickProcessor(cfg, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.handleMessage(models.RawFeedMessage{Feed: "market", Frame: decodeFrame(t, optionFrame), ReceivedAt: time.Now()})
	cancel()
	p.Stop()

	if len(ch.Norm) != 2 {
		t.Fatalf("pending batches not flushed on stop: %d", len(ch.Norm))
	}
}

func TestTickProcessorDropsWhenFull(t *testing.T) {
	cfg := minimalConfig()
	ch := channel.NewMarketChannels(1, 1)
	p := NewTickProcessor(cfg, ch)
	p.ctx = context.Background()

	p.handleMessage(models.RawFeedMessage{Feed: "market", Frame: decodeFrame(t, optionFrame), ReceivedAt: time.Now()})

	st := p.Stats()
	if st.BatchesSent != 1 || st.BatchesDropped != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.ActiveBatches != 0 {
		t.Fatalf("dropped batch still active")
	}
}
