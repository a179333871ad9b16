package stream

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyBound(t *testing.T) {
	sched := &fakeScheduler{}
	p := newRetryPolicy(Config{MaxAttempts: 2}.withDefaults(), sched.schedule)

	for want := 1; want <= 2; want++ {
		ev, retry, ok := p.next("market")
		if !ok || !retry || ev.Attempt != want || ev.Max != 2 || ev.Exhausted {
			t.Fatalf("attempt %d: ev=%+v retry=%v ok=%v", want, ev, retry, ok)
		}
	}
	ev, retry, ok := p.next("market")
	if !ok || retry || !ev.Exhausted || !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Fatalf("expected terminal event, got ev=%+v retry=%v ok=%v", ev, retry, ok)
	}
	if _, _, ok := p.next("market"); ok {
		t.Fatal("terminal event must fire once")
	}

	p.reset()
	if _, retry, ok := p.next("market"); !ok || !retry {
		t.Fatal("reset must restore the budget")
	}
}

func TestRetryPolicySingleTimer(t *testing.T) {
	sched := &fakeScheduler{}
	p := newRetryPolicy(Config{ReconnectInterval: 3 * time.Second}.withDefaults(), sched.schedule)

	var fired []uint64
	fire := func(tok uint64) {
		if p.claim(tok) {
			fired = append(fired, tok)
		}
	}
	p.arm(fire)
	first := sched.last()
	p.arm(fire)

	if sched.active() != 1 {
		t.Fatalf("active timers = %d", sched.active())
	}
	if !sched.stopped(first) {
		t.Fatal("rearming must stop the previous timer")
	}
	if sched.last().d != 3*time.Second {
		t.Fatalf("interval = %s", sched.last().d)
	}

	// the superseded timer fires late and is ignored
	first.f()
	sched.fire()
	if len(fired) != 1 {
		t.Fatalf("fired %d times", len(fired))
	}
	if p.snapshot().Pending {
		t.Fatal("claimed timer still pending")
	}
}

func TestRetryPolicyConfigure(t *testing.T) {
	sched := &fakeScheduler{}
	p := newRetryPolicy(Config{}.withDefaults(), sched.schedule)
	p.arm(func(uint64) {})

	p.configure(false, 0, 0)
	st := p.snapshot()
	if st.Enabled || st.Pending {
		t.Fatalf("disable must cancel pending retry: %+v", st)
	}
	if st.Interval != DefaultReconnectInterval || st.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("non-positive values must keep defaults: %+v", st)
	}

	p.configure(true, time.Second, 3)
	st = p.snapshot()
	if !st.Enabled || st.Interval != time.Second || st.MaxAttempts != 3 {
		t.Fatalf("unexpected state %+v", st)
	}
}
