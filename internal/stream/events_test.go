package stream

import (
	"reflect"
	"testing"
)

func TestTopicRegisterDuringDispatch(t *testing.T) {
	var topic Topic[int]
	var got []string
	topic.On(func(v int) {
		got = append(got, "first")
		topic.On(func(int) { got = append(got, "late") })
	})
	topic.Publish(1)
	if !reflect.DeepEqual(got, []string{"first"}) {
		t.Fatalf("listener added during dispatch received the in-flight event: %v", got)
	}

	got = nil
	topic.Publish(2)
	if len(got) != 2 || got[0] != "first" || got[1] != "late" {
		t.Fatalf("unexpected second dispatch %v", got)
	}
}

func TestTopicUnregisterDuringDispatch(t *testing.T) {
	var topic Topic[string]
	var got []string
	var offSecond func()
	topic.On(func(string) {
		got = append(got, "first")
		offSecond()
	})
	offSecond = topic.On(func(string) { got = append(got, "second") })
	topic.On(func(string) { got = append(got, "third") })

	topic.Publish("tick")
	if !reflect.DeepEqual(got, []string{"first", "third"}) {
		t.Fatalf("removed listener was called: %v", got)
	}
	if topic.Len() != 2 {
		t.Fatalf("len = %d", topic.Len())
	}
}

func TestTopicPanicIsolation(t *testing.T) {
	var recovered []any
	topic := NewTopic[int](func(v any) { recovered = append(recovered, v) })

	calls := 0
	topic.On(func(int) { panic("listener failed") })
	topic.On(func(int) { calls++ })

	topic.Publish(1)
	if calls != 1 {
		t.Fatalf("second listener called %d times", calls)
	}
	if len(recovered) != 1 || recovered[0] != "listener failed" {
		t.Fatalf("unexpected recovered values %v", recovered)
	}
}

func TestTopicUnregisterIsIdempotent(t *testing.T) {
	var topic Topic[int]
	off := topic.On(func(int) {})
	off()
	off()
	if topic.Len() != 0 {
		t.Fatalf("len = %d", topic.Len())
	}
}

func TestDispatchQueueDropsFramesOnly(t *testing.T) {
	q := newDispatchQueue(2)
	for i := 0; i < 3; i++ {
		q.push(event{isFrame: true, frame: []byte{byte(i)}})
	}
	fired := 0
	for i := 0; i < 3; i++ {
		if !q.push(event{fire: func() { fired++ }}) {
			t.Fatal("lifecycle event dropped")
		}
	}
	if q.dropped.Load() != 1 {
		t.Fatalf("dropped = %d", q.dropped.Load())
	}

	items, ok := q.drain()
	if !ok || len(items) != 5 {
		t.Fatalf("drained %d items", len(items))
	}
	for _, it := range items {
		if !it.isFrame {
			it.fire()
		}
	}
	if fired != 3 {
		t.Fatalf("fired %d", fired)
	}

	// room again after a drain
	if !q.push(event{isFrame: true, frame: []byte{9}}) {
		t.Fatal("frame rejected after drain")
	}
	q.close()
	if items, ok := q.drain(); !ok || len(items) != 1 {
		t.Fatal("queued items must drain after close")
	}
	if _, ok := q.drain(); ok {
		t.Fatal("closed empty queue must report done")
	}
}
