// Package stream implements a resilient websocket streaming client. One
// Client multiplexes many instrument subscriptions onto a single socket,
// decodes inbound frames, fans decoded messages and lifecycle events out to
// listeners and reconnects with a bounded, fixed interval retry policy.
package stream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport wraps socket level failures: dial errors, read errors and
	// abnormal closes.
	ErrTransport = errors.New("transport error")
	// ErrReconnectExhausted is carried by the terminal ReconnectEvent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrSubscriptionsUnsupported is returned by the subscription methods of
	// a client built without a request encoder.
	ErrSubscriptionsUnsupported = errors.New("feed does not accept subscriptions")
	// ErrInvalidMode is returned for a detail mode the feed does not know.
	ErrInvalidMode = errors.New("invalid detail mode")
	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client closed")
)

// InstrumentKey identifies one instrument channel, for example
// "NSE_INDEX|Nifty 50".
type InstrumentKey string

// Keys converts plain strings to instrument keys.
func Keys(keys ...string) []InstrumentKey {
	out := make([]InstrumentKey, len(keys))
	for i, k := range keys {
		out[i] = InstrumentKey(k)
	}
	return out
}

// Mode selects the payload richness the server streams for a key.
type Mode string

const (
	ModeLTPC         Mode = "ltpc"
	ModeFull         Mode = "full"
	ModeFullD30      Mode = "full_d30"
	ModeOptionGreeks Mode = "option_greeks"
)

// ParseMode validates s as a detail mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLTPC, ModeFull, ModeFullD30, ModeOptionGreeks:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// State is the connection state of a client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OpenEvent is published after every transition into OPEN.
type OpenEvent struct {
	Feed string
	URL  string
	// Resubscribed is the number of keys replayed from the ledger.
	Resubscribed int
}

// CloseEvent is published when a socket that was open or connecting goes
// away.
type CloseEvent struct {
	Feed   string
	Code   int
	Reason string
	// Planned is true when the close was requested through Disconnect.
	Planned bool
}

// ErrorEvent carries non-fatal failures: decode errors, transport errors
// and failed request writes.
type ErrorEvent struct {
	Feed string
	Err  error
}

// ReconnectEvent reports reconnect progress. The terminal event has
// Exhausted set and Err wrapping ErrReconnectExhausted.
type ReconnectEvent struct {
	Feed      string
	Attempt   int
	Max       int
	Exhausted bool
	Err       error
}

func (e ReconnectEvent) String() string {
	if e.Exhausted {
		return fmt.Sprintf("reconnect exhausted after %d/%d attempts", e.Attempt, e.Max)
	}
	return fmt.Sprintf("attempt %d/%d", e.Attempt, e.Max)
}

// RetryState is a snapshot of the reconnect policy of a client.
type RetryState struct {
	Enabled     bool          `json:"enabled"`
	Interval    time.Duration `json:"interval"`
	MaxAttempts int           `json:"max_attempts"`
	Attempt     int           `json:"attempt"`
	Pending     bool          `json:"pending"`
	Exhausted   bool          `json:"exhausted"`
}

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultMaxAttempts       = 10
	DefaultPingInterval      = 20 * time.Second
	DefaultQueueSize         = 4096
	DefaultWriteTimeout      = 5 * time.Second
	DefaultDialTimeout       = 15 * time.Second
)

// Config tunes one client. Zero values fall back to the defaults above.
type Config struct {
	// Name labels logs, metrics and events.
	Name string

	ReconnectEnabled  *bool
	ReconnectInterval time.Duration
	MaxAttempts       int

	PingInterval time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// QueueSize bounds the frames waiting for decode. Frames beyond it are
	// dropped and counted; lifecycle events are never dropped.
	QueueSize int

	// MaxKeysPerRequest splits large requests. Zero sends one request per
	// mode.
	MaxKeysPerRequest int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "stream"
	}
	if c.ReconnectEnabled == nil {
		enabled := true
		c.ReconnectEnabled = &enabled
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}
