package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quantfeed/internal/stream"
)

// WatchGroup is a set of instrument keys streamed under one detail mode.
type WatchGroup struct {
	Mode string   `yaml:"mode"`
	Keys []string `yaml:"keys"`
}

// Watchlist lists the instruments subscribed on startup.
type Watchlist struct {
	Groups []WatchGroup `yaml:"groups"`
}

// LoadWatchlist loads the watchlist from the given path. Groups without a mode
// use defaultMode.
func LoadWatchlist(path string, defaultMode string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	for i := range wl.Groups {
		if wl.Groups[i].Mode == "" {
			wl.Groups[i].Mode = defaultMode
		}
		if _, err := stream.ParseMode(wl.Groups[i].Mode); err != nil {
			return nil, fmt.Errorf("watchlist group %d: %w", i, err)
		}
	}
	return &wl, nil
}

// ByMode merges the groups into one key list per mode. A key listed under
// several modes keeps the last one.
func (w *Watchlist) ByMode() map[stream.Mode][]stream.InstrumentKey {
	if w == nil {
		return nil
	}
	modeOf := make(map[string]stream.Mode)
	var order []string
	for _, g := range w.Groups {
		for _, k := range g.Keys {
			if k == "" {
				continue
			}
			if _, seen := modeOf[k]; !seen {
				order = append(order, k)
			}
			modeOf[k] = stream.Mode(g.Mode)
		}
	}
	out := make(map[stream.Mode][]stream.InstrumentKey)
	for _, k := range order {
		m := modeOf[k]
		out[m] = append(out[m], stream.InstrumentKey(k))
	}
	return out
}

// Len reports the number of distinct keys in the watchlist.
func (w *Watchlist) Len() int {
	n := 0
	for _, keys := range w.ByMode() {
		n += len(keys)
	}
	return n
}
