package models

import (
	"time"

	"github.com/shopspring/decimal"

	"quantfeed/internal/schema"
)

// RawFeedMessage wraps one decoded market frame as received from the feed.
type RawFeedMessage struct {
	Feed       string
	Frame      *schema.FeedResponse
	ReceivedAt time.Time
}

// Tick is the flattened state of one instrument inside a market frame.
// Prices are kept as decimals, quantities as integers.
type Tick struct {
	InstrumentKey string          `json:"instrument_key"`
	Segment       string          `json:"segment"`
	Mode          string          `json:"mode"`
	Kind          string          `json:"kind"`
	LTP           decimal.Decimal `json:"ltp"`
	LTT           int64           `json:"ltt"`
	LTQ           int64           `json:"ltq"`
	Close         decimal.Decimal `json:"close"`
	ATP           decimal.Decimal `json:"atp"`
	VTT           int64           `json:"vtt"`
	OI            float64         `json:"oi"`
	IV            float64         `json:"iv"`
	TBQ           float64         `json:"tbq"`
	TSQ           float64         `json:"tsq"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	BidQty        int64           `json:"bid_qty"`
	AskPrice      decimal.Decimal `json:"ask_price"`
	AskQty        int64           `json:"ask_qty"`
	DepthLevels   int             `json:"depth_levels"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Delta         float64         `json:"delta"`
	Theta         float64         `json:"theta"`
	Gamma         float64         `json:"gamma"`
	Vega          float64         `json:"vega"`
	Rho           float64         `json:"rho"`
	FrameTS       int64           `json:"frame_ts"`
	ReceivedTime  int64           `json:"received_time"`
}

// Spread is ask minus bid, zero when either side is missing.
func (t Tick) Spread() decimal.Decimal {
	if t.BidPrice.IsZero() || t.AskPrice.IsZero() {
		return decimal.Zero
	}
	return t.AskPrice.Sub(t.BidPrice)
}

// Change is the last traded price minus the previous close.
func (t Tick) Change() decimal.Decimal {
	if t.Close.IsZero() {
		return decimal.Zero
	}
	return t.LTP.Sub(t.Close)
}

// TickBatch groups the ticks of one instrument collected by the processor.
type TickBatch struct {
	BatchID       string    `json:"batch_id"`
	Feed          string    `json:"feed"`
	InstrumentKey string    `json:"instrument_key"`
	Segment       string    `json:"segment"`
	Ticks         []Tick    `json:"ticks"`
	RecordCount   int       `json:"record_count"`
	Timestamp     time.Time `json:"timestamp"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// SegmentOf returns the exchange segment part of an instrument key such as
// "NSE_EQ" for "NSE_EQ|INE002A01018".
func SegmentOf(instrumentKey string) string {
	for i := 0; i < len(instrumentKey); i++ {
		if instrumentKey[i] == '|' {
			return instrumentKey[:i]
		}
	}
	return ""
}
