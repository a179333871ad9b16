package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const waitTimeout = 2 * time.Second

type readResult struct {
	typ  int
	data []byte
	err  error
}

type written struct {
	typ  int
	data []byte
}

type fakeConn struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   []written
	controls []int
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.typ, r.data, r.err
	default:
	}
	select {
	case r := <-c.reads:
		return r.typ, r.data, r.err
	case <-c.closed:
		return 0, nil, io.ErrUnexpectedEOF
	}
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, written{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(typ int, _ []byte, _ time.Time) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, typ)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a binary frame to the client.
func (c *fakeConn) push(data []byte) {
	c.reads <- readResult{typ: websocket.BinaryMessage, data: data}
}

// serverClose ends the read loop with a close frame carrying code.
func (c *fakeConn) serverClose(code int) {
	c.reads <- readResult{err: &websocket.CloseError{Code: code}}
}

// drop simulates an abrupt network loss.
func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) requests(t *testing.T) []envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope, 0, len(c.writes))
	for _, w := range c.writes {
		if w.typ != websocket.BinaryMessage {
			t.Fatalf("request sent as frame type %d, want binary", w.typ)
		}
		var env envelope
		if err := json.Unmarshal(w.data, &env); err != nil {
			t.Fatalf("decode request %s: %v", w.data, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) controlFrames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.controls...)
}

type fakeDialer struct {
	mu      sync.Mutex
	calls   int
	failing bool
	urls    []string
	headers []http.Header
	conns   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	failing := d.failing
	d.mu.Unlock()
	if failing {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeScheduler holds retry timers until the test fires them.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeTimer
	all     []*fakeTimer
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.pending = append(s.pending, t)
	s.all = append(s.all, t)
	return &fakeStopper{s: s, t: t}
}

type fakeStopper struct {
	s *fakeScheduler
	t *fakeTimer
}

func (f *fakeStopper) Stop() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	was := !f.t.stopped && !f.t.fired
	f.t.stopped = true
	return was
}

// fire runs every live pending timer and returns how many ran.
func (s *fakeScheduler) fire() int {
	s.mu.Lock()
	timers := s.pending
	s.pending = nil
	var live []*fakeTimer
	for _, t := range timers {
		if !t.stopped {
			t.fired = true
			live = append(live, t)
		}
	}
	s.mu.Unlock()

	for _, t := range live {
		t.f()
	}
	return len(live)
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return nil
	}
	return s.all[len(s.all)-1]
}

// recorder flattens every event of a client into labels in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []string
	ch     chan string
}

func newRecorder[M any](c *Client[M], format func(M) string) *recorder {
	r := &recorder{ch: make(chan string, 4096)}
	c.OnOpen(func(OpenEvent) { r.add("open") })
	c.OnClose(func(e CloseEvent) {
		if e.Planned {
			r.add("close:planned")
			return
		}
		r.add("close")
	})
	c.OnMessage(func(m M) { r.add("message:" + format(m)) })
	c.OnError(func(ErrorEvent) { r.add("error") })
	c.OnReconnecting(func(e ReconnectEvent) {
		if e.Exhausted {
			r.add("exhausted")
			return
		}
		r.add(fmt.Sprintf("reconnecting:%d/%d", e.Attempt, e.Max))
	})
	return r
}

func (r *recorder) add(label string) {
	r.mu.Lock()
	r.events = append(r.events, label)
	r.mu.Unlock()
	r.ch <- label
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(label string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == label {
			n++
		}
	}
	return n
}

// wait consumes events until want shows up.
func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q, seen %v", want, r.snapshot())
		}
	}
}

func stringDecoder(frame []byte) (string, error) {
	if len(frame) >= 3 && string(frame[:3]) == "bad" {
		return "", errors.New("malformed")
	}
	return string(frame), nil
}

func identity(s string) string { return s }

type harness struct {
	client *Client[string]
	dialer *fakeDialer
	sched  *fakeScheduler
	rec    *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), sched: &fakeScheduler{}}
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	cfg.PingInterval = -1
	h.client = NewClient[string](cfg, BearerURL("wss://feed.test/stream"), stringDecoder, JSONRequestEncoder{},
		WithDialer(h.dialer), withScheduler(h.sched.schedule))
	h.rec = newRecorder(h.client, identity)
	t.Cleanup(func() { h.client.Close() })
	return h
}

// open connects and returns the fake socket.
func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.client.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := h.dialer.next(t)
	h.rec.wait(t, "open")
	return conn
}

func boolPtr(v bool) *bool { return &v }

func (s *fakeScheduler) stopped(t *fakeTimer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.stopped
}

func timeAfter() <-chan time.Time { return time.After(waitTimeout) }

func timeAfterShort() <-chan time.Time { return time.After(time.Millisecond) }
