package stream

import (
	"fmt"
	"time"
)

// stopper cancels a scheduled func.
type stopper interface {
	Stop() bool
}

// scheduleFunc runs f after d. time.AfterFunc in production.
type scheduleFunc func(d time.Duration, f func()) stopper

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// retryPolicy is the reconnect scheduler state of one client. All methods
// are called with the client mutex held.
type retryPolicy struct {
	enabled     bool
	interval    time.Duration
	maxAttempts int

	attempt   int
	exhausted bool

	schedule scheduleFunc
	timer    stopper
	// token identifies the pending timer. A fired timer whose token no
	// longer matches was cancelled and does nothing.
	token uint64
}

func newRetryPolicy(cfg Config, schedule scheduleFunc) retryPolicy {
	if schedule == nil {
		schedule = afterFunc
	}
	return retryPolicy{
		enabled:     *cfg.ReconnectEnabled,
		interval:    cfg.ReconnectInterval,
		maxAttempts: cfg.MaxAttempts,
		schedule:    schedule,
	}
}

// next decides what follows an unplanned close. When a retry is due it
// bumps the attempt count and returns the progress event with retry=true.
// Otherwise it returns the terminal event once; later calls return ok=false.
func (p *retryPolicy) next(feed string) (ev ReconnectEvent, retry bool, ok bool) {
	if !p.enabled || p.attempt >= p.maxAttempts {
		if p.exhausted {
			return ReconnectEvent{}, false, false
		}
		p.exhausted = true
		return ReconnectEvent{
			Feed:      feed,
			Attempt:   p.attempt,
			Max:       p.maxAttempts,
			Exhausted: true,
			Err:       fmt.Errorf("%w: %d/%d", ErrReconnectExhausted, p.attempt, p.maxAttempts),
		}, false, true
	}
	p.attempt++
	return ReconnectEvent{Feed: feed, Attempt: p.attempt, Max: p.maxAttempts}, true, true
}

// arm replaces any pending timer with one that calls fire(token) after the
// interval.
func (p *retryPolicy) arm(fire func(token uint64)) {
	p.cancel()
	p.token++
	tok := p.token
	p.timer = p.schedule(p.interval, func() { fire(tok) })
}

// claim reports whether a fired timer is still the pending one and clears
// it.
func (p *retryPolicy) claim(token uint64) bool {
	if p.timer == nil || token != p.token {
		return false
	}
	p.timer = nil
	return true
}

func (p *retryPolicy) cancel() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.token++
}

// reset runs on every transition into OPEN.
func (p *retryPolicy) reset() {
	p.cancel()
	p.attempt = 0
	p.exhausted = false
}

func (p *retryPolicy) configure(enabled bool, interval time.Duration, maxAttempts int) {
	p.enabled = enabled
	if interval > 0 {
		p.interval = interval
	}
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if !enabled {
		p.cancel()
	}
}

func (p *retryPolicy) snapshot() RetryState {
	return RetryState{
		Enabled:     p.enabled,
		Interval:    p.interval,
		MaxAttempts: p.maxAttempts,
		Attempt:     p.attempt,
		Pending:     p.timer != nil,
		Exhausted:   p.exhausted,
	}
}
