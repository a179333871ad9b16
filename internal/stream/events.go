package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Topic is a typed publish/subscribe list for one event category.
// Publish iterates a snapshot of the listeners: a listener added during a
// dispatch misses that event and a removed one is skipped for the rest of
// it.
type Topic[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
	onPanic   func(v any)
}

// NewTopic returns a topic reporting recovered listener panics to onPanic.
func NewTopic[T any](onPanic func(v any)) *Topic[T] {
	return &Topic[T]{onPanic: onPanic}
}

type listener[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

// On registers fn and returns a func that removes it. The returned func is
// idempotent.
func (t *Topic[T]) On(fn func(T)) func() {
	l := &listener[T]{fn: fn}
	t.mu.Lock()
	next := make([]*listener[T], len(t.listeners), len(t.listeners)+1)
	copy(next, t.listeners)
	t.listeners = append(next, l)
	t.mu.Unlock()

	return func() {
		if l.removed.Swap(true) {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		next := make([]*listener[T], 0, len(t.listeners))
		for _, cur := range t.listeners {
			if cur != l {
				next = append(next, cur)
			}
		}
		t.listeners = next
	}
}

// Len returns the number of registered listeners.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Publish calls every listener with v. A panicking listener is recovered
// and does not stop delivery to the others.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	snapshot := t.listeners
	t.mu.Unlock()

	for _, l := range snapshot {
		if l.removed.Load() {
			continue
		}
		t.call(l, v)
	}
}

func (t *Topic[T]) call(l *listener[T], v T) {
	defer func() {
		if r := recover(); r != nil && t.onPanic != nil {
			t.onPanic(r)
		}
	}()
	l.fn(v)
}

// event is one queued item for the dispatch goroutine.
type event struct {
	isFrame bool
	frame   []byte
	fire    func()
}

// dispatchQueue is an unbounded FIFO for lifecycle events with a cap on
// queued frames. push never blocks.
type dispatchQueue struct {
	mu       sync.Mutex
	items    []event
	frames   int
	maxFrame int
	closed   bool
	notify   chan struct{}
	dropped  atomic.Int64
}

func newDispatchQueue(maxFrames int) *dispatchQueue {
	return &dispatchQueue{maxFrame: maxFrames, notify: make(chan struct{}, 1)}
}

func (q *dispatchQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if ev.isFrame {
		if q.frames >= q.maxFrame {
			q.mu.Unlock()
			q.dropped.Add(1)
			return false
		}
		q.frames++
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// drain takes every queued item. ok is false once the queue is closed and
// empty.
func (q *dispatchQueue) drain() (items []event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items = q.items
			q.items = nil
			q.frames = 0
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("listener panic: %w", err)
	}
	return fmt.Errorf("listener panic: %v", v)
}
