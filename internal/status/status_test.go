package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"quantfeed/config"
	"quantfeed/internal/metrics"
	"quantfeed/internal/stream"
	"quantfeed/logger"
)

type fakeFeed struct {
	mu    sync.Mutex
	name  string
	state stream.State
	retry stream.RetryState
	subs  map[stream.InstrumentKey]stream.Mode
	err   error
}

func newFakeFeed(name string) *fakeFeed {
	return &fakeFeed{name: name, state: stream.StateOpen, subs: make(map[stream.InstrumentKey]stream.Mode)}
}

func (f *fakeFeed) Name() string             { return f.name }
func (f *fakeFeed) State() stream.State      { return f.state }
func (f *fakeFeed) Retry() stream.RetryState { return f.retry }
func (f *fakeFeed) Dropped() int64           { return 0 }

func (f *fakeFeed) Subscriptions() map[stream.InstrumentKey]stream.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[stream.InstrumentKey]stream.Mode, len(f.subs))
	for k, v := range f.subs {
		out[k] = v
	}
	return out
}

func (f *fakeFeed) Subscribe(keys []stream.InstrumentKey, mode stream.Mode) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.subs[k] = mode
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(keys []stream.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.subs, k)
	}
	return nil
}

func (f *fakeFeed) ChangeMode(keys []stream.InstrumentKey, mode stream.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		if _, ok := f.subs[k]; ok {
			f.subs[k] = mode
		}
	}
	return nil
}

func newTestServer(t *testing.T, deps Deps) (*Server, *gin.Engine) {
	t.Helper()
	srv, err := NewServer(config.StatusConfig{Enabled: true, Addr: ":0", History: 10}, logger.Logger(), deps)
	if err != nil || srv == nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return srv, router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.StatusConfig{}, logger.Logger(), Deps{})
	if err != nil || srv != nil {
		t.Fatalf("srv=%v err=%v", srv, err)
	}
	if srv.Address() != "" || srv.Run(context.Background()) != nil {
		t.Fatal("nil server must be inert")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                       "0.0.0.0:8080",
		"  :9090  ":              "0.0.0.0:9090",
		"localhost":              "localhost:8080",
		"[::1]:443":              "[::1]:443",
		"::1":                    "[::1]:8080",
		"*:8080":                 "0.0.0.0:8080",
		"http://10.0.0.5:8080":   "10.0.0.5:8080",
		"https://status.example": "status.example:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHealthAndFeeds(t *testing.T) {
	market := newFakeFeed("market")
	portfolio := newFakeFeed("portfolio")
	_, router := newTestServer(t, Deps{Market: market, Feeds: []Feed{market, portfolio}})

	rr := do(router, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"market":"OPEN"`) {
		t.Fatalf("healthz %d %s", rr.Code, rr.Body)
	}

	portfolio.retry.Exhausted = true
	portfolio.state = stream.StateDisconnected
	rr = do(router, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "degraded") {
		t.Fatalf("healthz %d %s", rr.Code, rr.Body)
	}

	rr = do(router, http.MethodGet, "/feeds", "")
	var body struct {
		Feeds []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"feeds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode feeds: %v", err)
	}
	if len(body.Feeds) != 2 || body.Feeds[1].State != "DISCONNECTED" {
		t.Fatalf("feeds = %+v", body.Feeds)
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	market := newFakeFeed("market")
	_, router := newTestServer(t, Deps{Market: market, Feeds: []Feed{market}, DefaultMode: stream.ModeLTPC})

	rr := do(router, http.MethodPost, "/feeds/market/subscriptions", `{"keys":["NSE_FO|45450"," NSE_EQ|X "]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("subscribe %d %s", rr.Code, rr.Body)
	}
	if market.subs["NSE_FO|45450"] != stream.ModeLTPC || market.subs["NSE_EQ|X"] != stream.ModeLTPC {
		t.Fatalf("subs = %v", market.subs)
	}

	rr = do(router, http.MethodPut, "/feeds/market/subscriptions/mode", `{"keys":["NSE_FO|45450"],"mode":"option_greeks"}`)
	if rr.Code != http.StatusOK || market.subs["NSE_FO|45450"] != stream.ModeOptionGreeks {
		t.Fatalf("change mode %d %v", rr.Code, market.subs)
	}

	rr = do(router, http.MethodGet, "/feeds/market/subscriptions", "")
	if !strings.Contains(rr.Body.String(), `{"key":"NSE_EQ|X","mode":"ltpc"}`) {
		t.Fatalf("list %s", rr.Body)
	}

	rr = do(router, http.MethodDelete, "/feeds/market/subscriptions", `{"keys":["NSE_EQ|X"]}`)
	if rr.Code != http.StatusOK || len(market.subs) != 1 {
		t.Fatalf("unsubscribe %d %v", rr.Code, market.subs)
	}

	if rr = do(router, http.MethodPost, "/feeds/market/subscriptions", `{"keys":["A"],"mode":"full_d99"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad mode %d", rr.Code)
	}
	if rr = do(router, http.MethodPost, "/feeds/market/subscriptions", `{"keys":[]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty keys %d", rr.Code)
	}

	market.err = stream.ErrSubscriptionsUnsupported
	if rr = do(router, http.MethodPost, "/feeds/market/subscriptions", `{"keys":["A"]}`); rr.Code != http.StatusConflict {
		t.Fatalf("unsupported %d", rr.Code)
	}
}

func TestMarketStatusRoute(t *testing.T) {
	lookup := func(_ context.Context, exchange string) (any, error) {
		if exchange == "BAD" {
			return nil, errors.New("upstream 500")
		}
		return map[string]string{"exchange": exchange, "status": "NORMAL_OPEN"}, nil
	}
	_, router := newTestServer(t, Deps{MarketStatus: lookup})

	rr := do(router, http.MethodGet, "/market/status/NSE", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "NORMAL_OPEN") {
		t.Fatalf("status %d %s", rr.Code, rr.Body)
	}
	if rr = do(router, http.MethodGet, "/market/status/BAD", ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rr.Code)
	}
	if rr = do(router, http.MethodPost, "/feeds/market/subscriptions", `{"keys":["A"]}`); rr.Code != http.StatusNotFound {
		t.Fatalf("subscription routes need a market feed, got %d", rr.Code)
	}
}

func TestMetricsEndpointServesStoredMetrics(t *testing.T) {
	srv, router := newTestServer(t, Deps{})
	metrics.EmitMetric(logger.Logger(), "tick_writer", "records_archived", 5, "counter", logger.Fields{"segment": "NSE_FO"})

	rr := do(router, http.MethodGet, "/api/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "records_archived") {
		t.Fatalf("metrics %d %s", rr.Code, rr.Body)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatal("metric store empty")
	}
}

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}
	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStore(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 3; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = logrus.WarnLevel
		entry.Message = "feed closed"
		entry.Data = logrus.Fields{"component": "market_feed", "error": errors.New("eof"), "index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("Fire: %v", err)
		}
	}
	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[1].Component != "market_feed" || snapshot[1].Fields["error"] != "eof" {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}

	store.close()
	store.Fire(logrus.NewEntry(logrus.New()))
	if len(store.snapshot()) != 2 {
		t.Fatal("store accepted entries after close")
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	origCPU, origMem, origDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	t.Cleanup(func() { cpuPercentFn, memoryStatsFn, diskUsageFn = origCPU, origMem, origDisk })

	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		time.Sleep(interval)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}

	sampler := newResourceSampler(3, 5*time.Millisecond, "/", logger.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no samples collected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	sampler.stop()

	snaps := sampler.snapshot()
	if len(snaps) > 3 {
		t.Fatalf("limit not applied: %d", len(snaps))
	}
	latest := snaps[len(snaps)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 {
		t.Fatalf("unexpected snapshot %#v", latest)
	}
}
