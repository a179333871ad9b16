package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"quantfeed/config"
	"quantfeed/internal/channel"
	"quantfeed/internal/schema"
	"quantfeed/internal/stream"
	"quantfeed/logger"
)

type publishRecorder struct {
	mu    sync.Mutex
	names []string
}

func (p *publishRecorder) publish(_ context.Context, data []cwtypes.MetricDatum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range data {
		p.names = append(p.names, *d.MetricName)
	}
}

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.names)
}

func withPublisher(t *testing.T) *publishRecorder {
	t.Helper()
	rec := &publishRecorder{}
	origPublish, origNow := publishMetricsFunc, timeNow
	publishMetricsFunc = rec.publish
	resetMetricPublishTimes()
	t.Cleanup(func() {
		publishMetricsFunc, timeNow = origPublish, origNow
		resetMetricPublishTimes()
	})
	return rec
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	withPublisher(t)
	var got []Metric
	unregister := RegisterMetricHandler(func(m Metric) { got = append(got, m) })
	defer unregister()

	fields := logger.Fields{"feed": "market"}
	EmitMetric(nil, "feed", "reconnect_attempt", 2, "", fields)

	if len(got) != 1 {
		t.Fatalf("handler calls = %d", len(got))
	}
	m := got[0]
	if m.Component != "feed" || m.Name != "reconnect_attempt" || m.Type != "counter" || m.Fields["feed"] != "market" {
		t.Fatalf("unexpected metric %+v", m)
	}
	if _, ok := fields["metric"]; ok {
		t.Fatal("caller fields must not be mutated")
	}

	unregister()
	EmitMetric(nil, "feed", "reconnect_attempt", 3, "gauge", nil)
	if len(got) != 1 {
		t.Fatal("unregistered handler still called")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	withPublisher(t)
	called := false
	defer RegisterMetricHandler(func(Metric) { panic("boom") })()
	defer RegisterMetricHandler(func(Metric) { called = true })()

	EmitMetric(nil, "test", "panicky", 1, "counter", nil)
	if !called {
		t.Fatal("healthy handler skipped after a panic")
	}
	before := metricTopic.Len()
	RegisterMetricHandler(nil)()
	if metricTopic.Len() != before {
		t.Fatal("nil handler must not register")
	}
}

func TestEmitMetricThrottlesPerSeries(t *testing.T) {
	rec := withPublisher(t)
	now := time.Unix(1718000000, 0)
	timeNow = func() time.Time { return now }

	EmitMetric(nil, "writer", "records", 1, "counter", logger.Fields{"segment": "NSE_FO"})
	EmitMetric(nil, "writer", "records", 1, "counter", logger.Fields{"segment": "NSE_FO"})
	EmitMetric(nil, "writer", "records", 1, "counter", logger.Fields{"segment": "NSE_EQ"})
	if rec.count() != 2 {
		t.Fatalf("published %d, want 2", rec.count())
	}

	now = now.Add(cloudWatchPublishInterval)
	EmitMetric(nil, "writer", "records", 1, "counter", logger.Fields{"segment": "NSE_FO"})
	if rec.count() != 3 {
		t.Fatalf("published %d after the interval, want 3", rec.count())
	}

	// non-numeric values are logged only
	EmitMetric(nil, "writer", "state", "open", "gauge", nil)
	if rec.count() != 3 {
		t.Fatal("non-numeric value published")
	}
}

func TestChannelSizeFeature(t *testing.T) {
	rec := withPublisher(t)
	t.Cleanup(func() { Configure(config.MetricsConfig{ChannelSize: true}) })

	Configure(config.MetricsConfig{ChannelSize: false})
	if IsFeatureEnabled(FeatureChannelSize) {
		t.Fatal("feature still enabled")
	}
	chans := channel.NewChannels(2, 2, 2)
	defer chans.Close()
	emitChannelSizes(logger.GetLogger(), chans)
	if rec.count() != 0 {
		t.Fatalf("published %d buffer metrics while disabled", rec.count())
	}

	Configure(config.MetricsConfig{ChannelSize: true})
	emitChannelSizes(logger.GetLogger(), chans)
	if rec.count() != 3 {
		t.Fatalf("published %d buffer metrics, want 3", rec.count())
	}
}

func TestEmitDropMetric(t *testing.T) {
	withPublisher(t)
	c := channelDrops.WithLabelValues(string(DropMetricTickBatch), "processor")
	before := testutil.ToFloat64(c)
	EmitDropMetric(logger.GetLogger(), DropMetricTickBatch, "market", "NSE_FO", "NSE_FO|45450", "processor")
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("drop counter moved by %v", got)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: bad", schema.ErrMalformedFrame), "decode"},
		{schema.ErrSchemaUnavailable, "decode"},
		{fmt.Errorf("%w: reset", stream.ErrTransport), "transport"},
		{errors.New("other"), "other"},
	}
	for _, tc := range cases {
		if got := errorKind(tc.err); got != tc.want {
			t.Fatalf("errorKind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string, http.Header) (stream.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestObserveFeed(t *testing.T) {
	withPublisher(t)
	disabled := false
	c := stream.NewClient[string](stream.Config{Name: "observe_test", ReconnectEnabled: &disabled},
		stream.BearerURL("ws://127.0.0.1:1/feed"),
		func(b []byte) (string, error) { return string(b), nil },
		nil,
		stream.WithDialer(refusingDialer{}))
	defer c.Close()
	off := ObserveFeed(c)
	defer off()

	if err := c.Connect(context.Background(), "tok"); !errors.Is(err, stream.ErrTransport) {
		t.Fatalf("connect error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		errs := testutil.ToFloat64(feedErrors.WithLabelValues("observe_test", "transport"))
		exhausted := testutil.ToFloat64(feedExhausted.WithLabelValues("observe_test"))
		if errs == 1 && exhausted == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("errors=%v exhausted=%v", errs, exhausted)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if v := testutil.ToFloat64(feedState.WithLabelValues("observe_test")); v != 0 {
		t.Fatalf("state = %v", v)
	}
}

func TestHandlerExposesFeedCounters(t *testing.T) {
	Init()
	logger.RecordFrame("scrape_test", 128)
	logger.RecordDecodeError("scrape_test")

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`quantfeed_feed_frames_total{feed="scrape_test"} 1`,
		`quantfeed_feed_bytes_total{feed="scrape_test"} 128`,
		`quantfeed_feed_decode_errors_total{feed="scrape_test"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output lacks %q", want)
		}
	}
}
