package stream

import (
	"reflect"
	"testing"
)

func TestLedgerIdempotentSubscribe(t *testing.T) {
	l := NewLedger()
	l.Subscribe(Keys("NSE_INDEX|Nifty 50"), ModeFull)
	l.Subscribe(Keys("NSE_INDEX|Nifty 50", "NSE_INDEX|Nifty 50"), ModeFull)
	if l.Len() != 1 {
		t.Fatalf("ledger has %d entries", l.Len())
	}
	if m, _ := l.Mode("NSE_INDEX|Nifty 50"); m != ModeFull {
		t.Fatalf("mode = %s", m)
	}
}

func TestLedgerModeOverride(t *testing.T) {
	l := NewLedger()
	l.Subscribe(Keys("A", "B"), ModeFull)
	changed := l.ChangeMode(Keys("A", "C"), ModeLTPC)
	if !reflect.DeepEqual(changed, Keys("A")) {
		t.Fatalf("changed = %v", changed)
	}
	want := map[InstrumentKey]Mode{"A": ModeLTPC, "B": ModeFull}
	if got := l.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %v", got)
	}
	if _, ok := l.Mode("C"); ok {
		t.Fatal("change mode must not add keys")
	}

	// same mode is not a change
	if changed := l.ChangeMode(Keys("A"), ModeLTPC); len(changed) != 0 {
		t.Fatalf("unexpected change %v", changed)
	}

	// subscribing under another mode also supersedes
	l.Subscribe(Keys("B"), ModeOptionGreeks)
	if m, _ := l.Mode("B"); m != ModeOptionGreeks {
		t.Fatalf("mode = %s", m)
	}
}

func TestLedgerUnsubscribe(t *testing.T) {
	l := NewLedger()
	l.Subscribe(Keys("A", "B"), ModeFull)
	l.Subscribe(Keys("C"), ModeLTPC)

	removed := l.Unsubscribe(Keys("A", "C", "Z", "A"))
	want := map[Mode][]InstrumentKey{ModeFull: Keys("A"), ModeLTPC: Keys("C")}
	if !reflect.DeepEqual(removed, want) {
		t.Fatalf("removed = %v", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d", l.Len())
	}
}

func TestLedgerGroups(t *testing.T) {
	l := NewLedger()
	l.Subscribe(Keys("c", "a"), ModeFull)
	l.Subscribe(Keys("b"), ModeLTPC)
	l.Subscribe(Keys("", "d"), ModeFull)

	groups := l.Groups()
	want := map[Mode][]InstrumentKey{ModeFull: Keys("a", "c", "d"), ModeLTPC: Keys("b")}
	if !reflect.DeepEqual(groups, want) {
		t.Fatalf("groups = %v", groups)
	}
	if modes := sortedModes(groups); !reflect.DeepEqual(modes, []Mode{ModeFull, ModeLTPC}) {
		t.Fatalf("modes = %v", modes)
	}
}

func TestLedgerSnapshotIsCopy(t *testing.T) {
	l := NewLedger()
	l.Subscribe(Keys("A"), ModeFull)
	snap := l.Snapshot()
	snap["B"] = ModeLTPC
	if l.Len() != 1 {
		t.Fatal("snapshot aliases the ledger")
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"ltpc", "full", "full_d30", "option_greeks"} {
		if _, err := ParseMode(s); err != nil {
			t.Fatalf("ParseMode(%q): %v", s, err)
		}
	}
	if _, err := ParseMode("full_d5"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
