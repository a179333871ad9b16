package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quantfeed/logger"
)

// Decoder turns one inbound frame into a message. Errors are reported on
// the error topic and the frame is dropped.
type Decoder[M any] func(frame []byte) (M, error)

type options struct {
	dialer   Dialer
	log      *logger.Entry
	schedule scheduleFunc
}

// Option customizes a Client.
type Option func(*options)

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the entry the client logs through.
func WithLogger(l *logger.Entry) Option {
	return func(o *options) { o.log = l }
}

func withScheduler(s scheduleFunc) Option {
	return func(o *options) { o.schedule = s }
}

// Client is a resilient streaming client for one feed. Subscription and
// lifecycle calls are linearized behind one mutex, so it is safe to call
// Subscribe from many goroutines. Connect and Disconnect are expected to be
// serialized by the caller; a Connect racing an open or connecting session
// is a no-op.
//
// Listeners run on a single dispatch goroutine in the order events
// happened. They must not call Close.
type Client[M any] struct {
	cfg     Config
	auth    Authorizer
	dialer  Dialer
	decode  Decoder[M]
	encoder RequestEncoder
	log     *logger.Entry

	ctx    context.Context
	cancel context.CancelFunc
	queue  *dispatchQueue
	done   chan struct{}

	mu       sync.Mutex
	state    State
	token    string
	session  uint64
	conn     Conn
	stopSess context.CancelFunc
	// suppress is set by Disconnect and cleared by the next Connect.
	suppress bool
	closed   bool
	ledger   *Ledger
	retry    retryPolicy

	opens        Topic[OpenEvent]
	closes       Topic[CloseEvent]
	messages     Topic[M]
	errs         Topic[ErrorEvent]
	reconnecting Topic[ReconnectEvent]
}

// NewClient builds a client and starts its dispatch goroutine. enc may be
// nil for feeds that stream without subscriptions.
func NewClient[M any](cfg Config, auth Authorizer, decode Decoder[M], enc RequestEncoder, opts ...Option) *Client[M] {
	cfg = cfg.withDefaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = WSDialer{WriteTimeout: cfg.WriteTimeout}
	}
	if o.log == nil {
		o.log = logger.GetLogger().WithComponent("stream")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client[M]{
		cfg:     cfg,
		auth:    auth,
		dialer:  o.dialer,
		decode:  decode,
		encoder: enc,
		log:     o.log.WithField("feed", cfg.Name),
		ctx:     ctx,
		cancel:  cancel,
		queue:   newDispatchQueue(cfg.QueueSize),
		done:    make(chan struct{}),
		ledger:  NewLedger(),
		retry:   newRetryPolicy(cfg, o.schedule),
	}
	c.opens.onPanic = c.listenerPanic("open")
	c.closes.onPanic = c.listenerPanic("close")
	c.messages.onPanic = c.listenerPanic("message")
	c.errs.onPanic = c.listenerPanic("error")
	c.reconnecting.onPanic = c.listenerPanic("reconnecting")

	go c.dispatch()
	return c
}

func (c *Client[M]) Name() string { return c.cfg.Name }

func (c *Client[M]) OnOpen(fn func(OpenEvent)) func()              { return c.opens.On(fn) }
func (c *Client[M]) OnClose(fn func(CloseEvent)) func()            { return c.closes.On(fn) }
func (c *Client[M]) OnMessage(fn func(M)) func()                   { return c.messages.On(fn) }
func (c *Client[M]) OnError(fn func(ErrorEvent)) func()            { return c.errs.On(fn) }
func (c *Client[M]) OnReconnecting(fn func(ReconnectEvent)) func() { return c.reconnecting.On(fn) }

// State returns the current connection state.
func (c *Client[M]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns a copy of the ledger.
func (c *Client[M]) Subscriptions() map[InstrumentKey]Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Snapshot()
}

// Retry returns the reconnect policy state.
func (c *Client[M]) Retry() RetryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry.snapshot()
}

// Dropped returns the number of frames dropped because the dispatch queue
// was full.
func (c *Client[M]) Dropped() int64 {
	return c.queue.dropped.Load()
}

// AutoReconnect configures the reconnect policy. Non-positive interval or
// maxAttempts keep the current value. Disabling cancels a pending retry.
func (c *Client[M]) AutoReconnect(enabled bool, interval time.Duration, maxAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry.configure(enabled, interval, maxAttempts)
}

// Connect opens the socket with token. It returns nil without doing
// anything while a session is open, connecting or closing. A dial failure is
// returned and also hands off to the reconnect policy.
func (c *Client[M]) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateOpen || c.state == StateConnecting || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.suppress = false
	c.retry.reset()
	c.token = token
	sess := c.beginLocked()
	c.mu.Unlock()

	return c.open(ctx, sess, token)
}

func (c *Client[M]) beginLocked() uint64 {
	c.session++
	c.state = StateConnecting
	return c.session
}

func (c *Client[M]) open(ctx context.Context, sess uint64, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	var conn Conn
	ep, err := c.auth.Authorize(ctx, token)
	if err == nil {
		conn, err = c.dialer.Dial(ctx, ep.URL, ep.Header)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sess != c.session || c.state != StateConnecting {
		// Disconnect ran while dialing.
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state = StateDisconnected
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.log.WithError(err).Warn("failed to connect")
		publish(c.queue, &c.errs, ErrorEvent{Feed: c.cfg.Name, Err: err})
		publish(c.queue, &c.closes, CloseEvent{Feed: c.cfg.Name, Code: websocket.CloseAbnormalClosure, Reason: "connect failed"})
		c.scheduleRetryLocked()
		return err
	}

	c.conn = conn
	c.state = StateOpen
	c.retry.reset()
	sessCtx, stop := context.WithCancel(c.ctx)
	c.stopSess = stop

	// Replay the ledger before publishing open. Listeners run on the
	// dispatch goroutine.
	n := c.resubscribeLocked()
	c.log.WithFields(logger.Fields{"url": ep.URL, "resubscribed": n}).Info("websocket connected")
	publish(c.queue, &c.opens, OpenEvent{Feed: c.cfg.Name, URL: ep.URL, Resubscribed: n})

	go c.readLoop(sess, conn)
	startPingLoop(sessCtx, conn, c.cfg.PingInterval, c.log)
	return nil
}

// Disconnect closes the socket, clears the stored credential and disables
// reconnecting until the next Connect.
func (c *Client[M]) Disconnect() error {
	c.mu.Lock()
	c.suppress = true
	c.token = ""
	c.retry.cancel()

	switch c.state {
	case StateDisconnected, StateClosing:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.session++
		c.state = StateDisconnected
		publish(c.queue, &c.closes, CloseEvent{Feed: c.cfg.Name, Code: websocket.CloseNormalClosure, Planned: true})
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	sess := c.session
	c.state = StateClosing
	c.mu.Unlock()

	werr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))

	c.mu.Lock()
	if sess == c.session {
		c.session++
		c.endSessionLocked()
		c.state = StateDisconnected
		publish(c.queue, &c.closes, CloseEvent{Feed: c.cfg.Name, Code: websocket.CloseNormalClosure, Planned: true})
	}
	c.mu.Unlock()

	c.log.Info("websocket disconnected")
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: close: %w", ErrTransport, werr)
	}
	return nil
}

// Close disconnects and stops the dispatch goroutine once queued events
// are delivered.
func (c *Client[M]) Close() error {
	err := c.Disconnect()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.queue.close()
	<-c.done
	return err
}

// Subscribe records keys under mode and sends a sub request when open.
// An empty key list is a no-op.
func (c *Client[M]) Subscribe(keys []InstrumentKey, mode Mode) error {
	if c.encoder == nil {
		return ErrSubscriptionsUnsupported
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	added := c.ledger.Subscribe(keys, mode)
	if len(added) == 0 || c.state != StateOpen {
		return nil
	}
	return c.sendLocked(MethodSub, map[Mode][]InstrumentKey{mode: added})
}

// Unsubscribe drops keys from the ledger and sends an unsub request for
// the ones that were subscribed.
func (c *Client[M]) Unsubscribe(keys []InstrumentKey) error {
	if c.encoder == nil {
		return ErrSubscriptionsUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.ledger.Unsubscribe(keys)
	if len(removed) == 0 || c.state != StateOpen {
		return nil
	}
	return c.sendLocked(MethodUnsub, removed)
}

// ChangeMode moves subscribed keys to mode. Keys that are not subscribed
// are ignored.
func (c *Client[M]) ChangeMode(keys []InstrumentKey, mode Mode) error {
	if c.encoder == nil {
		return ErrSubscriptionsUnsupported
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.ledger.ChangeMode(keys, mode)
	if len(changed) == 0 || c.state != StateOpen {
		return nil
	}
	return c.sendLocked(MethodChangeMode, map[Mode][]InstrumentKey{mode: changed})
}

func (c *Client[M]) resubscribeLocked() int {
	if c.encoder == nil || c.ledger.Len() == 0 {
		return 0
	}
	if err := c.sendLocked(MethodSub, c.ledger.Groups()); err != nil {
		return 0
	}
	return c.ledger.Len()
}

// sendLocked writes one request per mode, split by MaxKeysPerRequest. A
// failed write closes the socket; the next open replays the ledger.
func (c *Client[M]) sendLocked(method Method, groups map[Mode][]InstrumentKey) error {
	for _, mode := range sortedModes(groups) {
		for _, keys := range batches(groups[mode], c.cfg.MaxKeysPerRequest) {
			if err := c.writeLocked(Request{Method: method, Mode: mode, Keys: keys}); err != nil {
				c.log.WithError(err).WithField("method", method).Warn("failed to send request")
				publish(c.queue, &c.errs, ErrorEvent{Feed: c.cfg.Name, Err: err})
				return err
			}
		}
	}
	return nil
}

func (c *Client[M]) writeLocked(req Request) error {
	data, err := c.encoder.Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Method, err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.conn.Close()
		return fmt.Errorf("%w: write %s request: %w", ErrTransport, req.Method, err)
	}
	logger.LogDataFlowEntry(c.log, c.cfg.Name, "websocket", len(req.Keys), string(req.Method))
	return nil
}

func (c *Client[M]) readLoop(sess uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(sess, conn, err)
			return
		}
		logger.RecordFrame(c.cfg.Name, len(data))
		if !c.queue.push(event{isFrame: true, frame: data}) {
			if n := c.queue.dropped.Load(); n%1000 == 1 {
				c.log.WithField("dropped", n).Warn("dispatch queue full, dropping frames")
			}
		}
	}
}

// handleClose runs when the read loop of session sess ends.
func (c *Client[M]) handleClose(sess uint64, conn Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess != c.session || c.conn != conn || c.state == StateClosing {
		return
	}
	c.endSessionLocked()
	c.state = StateDisconnected

	code, reason := closeDetails(err)
	c.log.WithError(err).WithField("code", code).Warn("websocket closed")
	publish(c.queue, &c.closes, CloseEvent{Feed: c.cfg.Name, Code: code, Reason: reason})
	if !normalClose(code) {
		publish(c.queue, &c.errs, ErrorEvent{Feed: c.cfg.Name, Err: fmt.Errorf("%w: %w", ErrTransport, err)})
	}
	c.scheduleRetryLocked()
}

func (c *Client[M]) endSessionLocked() {
	if c.stopSess != nil {
		c.stopSess()
		c.stopSess = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client[M]) scheduleRetryLocked() {
	if c.suppress || c.closed {
		return
	}
	ev, retry, ok := c.retry.next(c.cfg.Name)
	if !ok {
		return
	}
	if retry {
		logger.RecordReconnect(c.cfg.Name)
		c.log.WithFields(logger.Fields{"attempt": ev.Attempt, "max": ev.Max, "interval": c.retry.interval.String()}).Info("scheduling reconnect")
		c.retry.arm(c.fireRetry)
	} else {
		c.log.WithError(ev.Err).Error("giving up reconnecting")
	}
	publish(c.queue, &c.reconnecting, ev)
}

func (c *Client[M]) fireRetry(token uint64) {
	c.mu.Lock()
	if !c.retry.claim(token) || c.closed || c.suppress || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	cred := c.token
	sess := c.beginLocked()
	c.mu.Unlock()

	if err := c.open(c.ctx, sess, cred); err != nil {
		c.log.WithError(err).Debug("reconnect attempt failed")
	}
}

func (c *Client[M]) dispatch() {
	defer close(c.done)
	for {
		items, ok := c.queue.drain()
		if !ok {
			return
		}
		for _, ev := range items {
			if ev.isFrame {
				c.deliver(ev.frame)
				continue
			}
			ev.fire()
		}
	}
}

func (c *Client[M]) deliver(frame []byte) {
	msg, err := c.decode(frame)
	if err != nil {
		logger.RecordDecodeError(c.cfg.Name)
		c.log.WithError(err).WithField("size", len(frame)).Warn("failed to decode frame")
		c.errs.Publish(ErrorEvent{Feed: c.cfg.Name, Err: err})
		return
	}
	c.messages.Publish(msg)
}

func (c *Client[M]) listenerPanic(topic string) func(any) {
	return func(v any) {
		c.log.WithError(panicError(v)).WithField("topic", topic).Error("listener panicked")
	}
}

func publish[T any](q *dispatchQueue, t *Topic[T], v T) {
	q.push(event{fire: func() { t.Publish(v) }})
}
