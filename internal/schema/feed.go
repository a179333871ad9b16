package schema

import (
	"sort"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// FeedResponse is one decoded market frame. Feeds are keyed by instrument
// key.
type FeedResponse struct {
	msg protoreflect.Message
}

// LTPC is the last traded price block present in every mode.
type LTPC struct {
	LTP float64 // last traded price
	LTT int64   // last traded time, epoch millis
	LTQ int64   // last traded quantity
	CP  float64 // previous close
}

// Quote is one depth level.
type Quote struct {
	BidQty   int64
	BidPrice float64
	AskQty   int64
	AskPrice float64
}

type Greeks struct {
	Delta float64
	Theta float64
	Gamma float64
	Vega  float64
	Rho   float64
}

type OHLC struct {
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	TS       int64
}

// Stats holds the session statistics sent with full and greeks feeds.
type Stats struct {
	ATP float64 // average traded price
	VTT int64   // volume traded today
	OI  float64 // open interest
	IV  float64 // implied volatility
	TBQ float64 // total buy quantity
	TSQ float64 // total sell quantity
}

// Message exposes the underlying dynamic message.
func (r *FeedResponse) Message() protoreflect.Message {
	return r.msg
}

// Type is the frame type name: initial_feed, live_feed or market_info.
func (r *FeedResponse) Type() string {
	return enumName(r.msg, "type")
}

// CurrentTS is the server timestamp of the frame in epoch millis.
func (r *FeedResponse) CurrentTS() int64 {
	return intField(r.msg, "currentTs")
}

// Keys returns the instrument keys present in the frame, sorted.
func (r *FeedResponse) Keys() []string {
	feeds := mapField(r.msg, "feeds")
	if feeds == nil {
		return nil
	}
	keys := make([]string, 0, feeds.Len())
	feeds.Range(func(k protoreflect.MapKey, _ protoreflect.Value) bool {
		keys = append(keys, k.String())
		return true
	})
	sort.Strings(keys)
	return keys
}

// Feed returns the payload for key.
func (r *FeedResponse) Feed(key string) (Feed, bool) {
	feeds := mapField(r.msg, "feeds")
	if feeds == nil {
		return Feed{}, false
	}
	v := feeds.Get(protoreflect.ValueOfString(key).MapKey())
	if !v.IsValid() {
		return Feed{}, false
	}
	return Feed{msg: v.Message()}, true
}

// MarketStatus returns segment -> status from market_info frames.
func (r *FeedResponse) MarketStatus() map[string]string {
	info, ok := msgField(r.msg, "marketInfo")
	if !ok {
		return nil
	}
	statuses := mapField(info, "segmentStatus")
	if statuses == nil || statuses.Len() == 0 {
		return nil
	}
	fd := info.Descriptor().Fields().ByName("segmentStatus").MapValue()
	out := make(map[string]string, statuses.Len())
	statuses.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
		name := ""
		if ev := fd.Enum().Values().ByNumber(v.Enum()); ev != nil {
			name = string(ev.Name())
		}
		out[k.String()] = name
		return true
	})
	return out
}

// MarshalJSON renders the frame in protojson form.
func (r *FeedResponse) MarshalJSON() ([]byte, error) {
	return protojson.Marshal(r.msg.Interface())
}

// Feed is the payload of one instrument inside a frame.
type Feed struct {
	msg protoreflect.Message
}

// Kind names the populated payload: ltpc, fullFeed or firstLevelWithGreeks.
func (f Feed) Kind() string {
	od := f.msg.Descriptor().Oneofs().ByName("FeedUnion")
	if od == nil {
		return ""
	}
	if fd := f.msg.WhichOneof(od); fd != nil {
		return string(fd.Name())
	}
	return ""
}

// RequestMode is the mode the server streams this key in.
func (f Feed) RequestMode() string {
	return enumName(f.msg, "requestMode")
}

// body returns the innermost payload message carrying ltpc and stats.
func (f Feed) body() (protoreflect.Message, bool) {
	switch f.Kind() {
	case "ltpc":
		return f.msg, true
	case "firstLevelWithGreeks":
		return msgField(f.msg, "firstLevelWithGreeks")
	case "fullFeed":
		full, ok := msgField(f.msg, "fullFeed")
		if !ok {
			return nil, false
		}
		if m, ok := msgField(full, "marketFF"); ok {
			return m, true
		}
		return msgField(full, "indexFF")
	}
	return nil, false
}

// IsIndex reports whether the payload is an index full feed.
func (f Feed) IsIndex() bool {
	full, ok := msgField(f.msg, "fullFeed")
	if !ok {
		return false
	}
	_, ok = msgField(full, "indexFF")
	return ok
}

func (f Feed) LTPC() (LTPC, bool) {
	body, ok := f.body()
	if !ok {
		return LTPC{}, false
	}
	m, ok := msgField(body, "ltpc")
	if !ok {
		return LTPC{}, false
	}
	return LTPC{
		LTP: floatField(m, "ltp"),
		LTT: intField(m, "ltt"),
		LTQ: intField(m, "ltq"),
		CP:  floatField(m, "cp"),
	}, true
}

// Depth returns the order book levels: up to 5 or 30 for full feeds, the
// first level for greeks feeds.
func (f Feed) Depth() []Quote {
	body, ok := f.body()
	if !ok {
		return nil
	}
	if q, ok := msgField(body, "firstDepth"); ok {
		return []Quote{quote(q)}
	}
	level, ok := msgField(body, "marketLevel")
	if !ok {
		return nil
	}
	levels := listField(level, "bidAskQuote")
	if levels == nil {
		return nil
	}
	out := make([]Quote, 0, levels.Len())
	for i := 0; i < levels.Len(); i++ {
		out = append(out, quote(levels.Get(i).Message()))
	}
	return out
}

func (f Feed) Greeks() (Greeks, bool) {
	body, ok := f.body()
	if !ok {
		return Greeks{}, false
	}
	g, ok := msgField(body, "optionGreeks")
	if !ok {
		return Greeks{}, false
	}
	return Greeks{
		Delta: floatField(g, "delta"),
		Theta: floatField(g, "theta"),
		Gamma: floatField(g, "gamma"),
		Vega:  floatField(g, "vega"),
		Rho:   floatField(g, "rho"),
	}, true
}

func (f Feed) OHLC() []OHLC {
	body, ok := f.body()
	if !ok {
		return nil
	}
	mo, ok := msgField(body, "marketOHLC")
	if !ok {
		return nil
	}
	bars := listField(mo, "ohlc")
	if bars == nil {
		return nil
	}
	out := make([]OHLC, 0, bars.Len())
	for i := 0; i < bars.Len(); i++ {
		b := bars.Get(i).Message()
		out = append(out, OHLC{
			Interval: stringField(b, "interval"),
			Open:     floatField(b, "open"),
			High:     floatField(b, "high"),
			Low:      floatField(b, "low"),
			Close:    floatField(b, "close"),
			Volume:   intField(b, "vol"),
			TS:       intField(b, "ts"),
		})
	}
	return out
}

// Stats returns zero values for fields the payload does not carry.
func (f Feed) Stats() Stats {
	body, ok := f.body()
	if !ok {
		return Stats{}
	}
	return Stats{
		ATP: floatField(body, "atp"),
		VTT: intField(body, "vtt"),
		OI:  floatField(body, "oi"),
		IV:  floatField(body, "iv"),
		TBQ: floatField(body, "tbq"),
		TSQ: floatField(body, "tsq"),
	}
}

func quote(m protoreflect.Message) Quote {
	return Quote{
		BidQty:   intField(m, "bidQ"),
		BidPrice: floatField(m, "bidP"),
		AskQty:   intField(m, "askQ"),
		AskPrice: floatField(m, "askP"),
	}
}

func field(m protoreflect.Message, name string) (protoreflect.FieldDescriptor, bool) {
	if m == nil {
		return nil, false
	}
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	return fd, fd != nil
}

func msgField(m protoreflect.Message, name string) (protoreflect.Message, bool) {
	fd, ok := field(m, name)
	if !ok || fd.Message() == nil || fd.IsMap() || fd.IsList() || !m.Has(fd) {
		return nil, false
	}
	return m.Get(fd).Message(), true
}

func mapField(m protoreflect.Message, name string) protoreflect.Map {
	fd, ok := field(m, name)
	if !ok || !fd.IsMap() {
		return nil
	}
	return m.Get(fd).Map()
}

func listField(m protoreflect.Message, name string) protoreflect.List {
	fd, ok := field(m, name)
	if !ok || !fd.IsList() {
		return nil
	}
	return m.Get(fd).List()
}

func floatField(m protoreflect.Message, name string) float64 {
	fd, ok := field(m, name)
	if !ok || fd.Kind() != protoreflect.DoubleKind {
		return 0
	}
	return m.Get(fd).Float()
}

func intField(m protoreflect.Message, name string) int64 {
	fd, ok := field(m, name)
	if !ok || fd.Kind() != protoreflect.Int64Kind {
		return 0
	}
	return m.Get(fd).Int()
}

func stringField(m protoreflect.Message, name string) string {
	fd, ok := field(m, name)
	if !ok || fd.Kind() != protoreflect.StringKind {
		return ""
	}
	return m.Get(fd).String()
}

func enumName(m protoreflect.Message, name string) string {
	fd, ok := field(m, name)
	if !ok || fd.Kind() != protoreflect.EnumKind {
		return ""
	}
	if ev := fd.Enum().Values().ByNumber(m.Get(fd).Enum()); ev != nil {
		return string(ev.Name())
	}
	return ""
}
