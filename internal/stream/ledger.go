package stream

import "sort"

// Ledger records the subscriptions a caller wants streamed, independent of
// the connection. It is not safe for concurrent use on its own; Client
// guards it with its state mutex.
type Ledger struct {
	modes map[InstrumentKey]Mode
}

func NewLedger() *Ledger {
	return &Ledger{modes: make(map[InstrumentKey]Mode)}
}

// Subscribe sets mode for every key and returns the distinct keys of the
// call in input order. Keys already held in another mode move to mode.
func (l *Ledger) Subscribe(keys []InstrumentKey, mode Mode) []InstrumentKey {
	out := dedupe(keys)
	for _, k := range out {
		l.modes[k] = mode
	}
	return out
}

// Unsubscribe removes keys and returns the removed ones with the mode they
// were held in. Keys that were not subscribed are ignored.
func (l *Ledger) Unsubscribe(keys []InstrumentKey) map[Mode][]InstrumentKey {
	removed := make(map[Mode][]InstrumentKey)
	for _, k := range dedupe(keys) {
		mode, ok := l.modes[k]
		if !ok {
			continue
		}
		delete(l.modes, k)
		removed[mode] = append(removed[mode], k)
	}
	return removed
}

// ChangeMode moves subscribed keys to mode and returns the keys whose mode
// changed. Keys that are not subscribed are ignored.
func (l *Ledger) ChangeMode(keys []InstrumentKey, mode Mode) []InstrumentKey {
	var changed []InstrumentKey
	for _, k := range dedupe(keys) {
		cur, ok := l.modes[k]
		if !ok || cur == mode {
			continue
		}
		l.modes[k] = mode
		changed = append(changed, k)
	}
	return changed
}

func (l *Ledger) Mode(key InstrumentKey) (Mode, bool) {
	m, ok := l.modes[key]
	return m, ok
}

func (l *Ledger) Len() int {
	return len(l.modes)
}

// Snapshot copies the ledger.
func (l *Ledger) Snapshot() map[InstrumentKey]Mode {
	out := make(map[InstrumentKey]Mode, len(l.modes))
	for k, m := range l.modes {
		out[k] = m
	}
	return out
}

// Groups returns the ledger grouped by mode with keys sorted. Resubscription
// sends one request per group.
func (l *Ledger) Groups() map[Mode][]InstrumentKey {
	out := make(map[Mode][]InstrumentKey)
	for k, m := range l.modes {
		out[m] = append(out[m], k)
	}
	for _, keys := range out {
		sortKeys(keys)
	}
	return out
}

func dedupe(keys []InstrumentKey) []InstrumentKey {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[InstrumentKey]struct{}, len(keys))
	out := make([]InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sortKeys(keys []InstrumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func sortedModes(groups map[Mode][]InstrumentKey) []Mode {
	modes := make([]Mode, 0, len(groups))
	for m := range groups {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}
