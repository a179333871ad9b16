package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quantfeed/logger"
)

func testLog() *logger.Entry {
	return logger.GetLogger().WithComponent("stream_test")
}

func TestEndToEndOverGorilla(t *testing.T) {
	upgrader := websocket.Upgrader{}
	type received struct {
		auth string
		typ  int
		env  envelope
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		json.Unmarshal(data, &env)
		got <- received{auth: auth, typ: typ, env: env}

		conn.WriteMessage(websocket.BinaryMessage, []byte("tick"))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		// wait for the client to go away
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sched := &fakeScheduler{}
	c := NewClient[string](Config{Name: "e2e", PingInterval: 50 * time.Millisecond}, BearerURL(url), stringDecoder, JSONRequestEncoder{},
		withScheduler(sched.schedule))
	defer c.Close()
	rec := newRecorder(c, identity)

	c.Subscribe(Keys("NSE_INDEX|Nifty 50"), ModeFull)
	if err := c.Connect(context.Background(), "secret"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case r := <-got:
		if r.auth != "Bearer secret" {
			t.Fatalf("authorization = %q", r.auth)
		}
		if r.typ != websocket.BinaryMessage {
			t.Fatalf("request frame type = %d, want binary", r.typ)
		}
		if r.env.Method != MethodSub || r.env.Data.Mode != ModeFull || len(r.env.Data.InstrumentKeys) != 1 {
			t.Fatalf("unexpected request %+v", r.env)
		}
	case <-time.After(waitTimeout):
		t.Fatal("server did not receive the resubscription")
	}

	rec.wait(t, "message:tick")
	rec.wait(t, "close")
	rec.wait(t, "reconnecting:1/10")
}

func TestWSDialerReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WSDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestCloseDetails(t *testing.T) {
	code, reason := closeDetails(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "restart"})
	if code != websocket.CloseGoingAway || reason != "restart" || !normalClose(code) {
		t.Fatalf("code=%d reason=%q", code, reason)
	}
	code, _ = closeDetails(io.ErrUnexpectedEOF)
	if code != websocket.CloseAbnormalClosure || normalClose(code) {
		t.Fatalf("code=%d", code)
	}
}

type pingConn struct {
	*fakeConn
	fail bool
}

func (p *pingConn) WriteControl(typ int, data []byte, deadline time.Time) error {
	if p.fail && typ == websocket.PingMessage {
		return errors.New("write: broken pipe")
	}
	return p.fakeConn.WriteControl(typ, data, deadline)
}

func TestPingFailureClosesConn(t *testing.T) {
	conn := &pingConn{fakeConn: newFakeConn(), fail: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startPingLoop(ctx, conn, 5*time.Millisecond, testLog())

	select {
	case <-conn.closed:
	case <-time.After(waitTimeout):
		t.Fatal("failed ping did not close the socket")
	}
}

func TestBearerURL(t *testing.T) {
	ep, err := BearerURL("wss://feed").Authorize(context.Background(), "tok")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if ep.URL != "wss://feed" || ep.Header.Get("Authorization") != "Bearer tok" {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
}
