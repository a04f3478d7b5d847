// Package ratelimit provides the sliding-window limiters gating player
// actions (per connection) and orchestrator calls (per campaign).
package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window limiter: at most limit hits inside the trailing
// interval. A zero Window is not usable; construct with NewWindow.
type Window struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	hits     []time.Time
	now      func() time.Time
}

// NewWindow builds a limiter allowing limit hits per interval.
func NewWindow(limit int, interval time.Duration) *Window {
	return &Window{limit: limit, interval: interval, now: time.Now}
}

// Allow records a hit if the window has room and reports whether it was
// admitted.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.interval)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// idleSince reports whether every recorded hit has aged out of the window.
func (w *Window) idleSince(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.interval)
	for _, t := range w.hits {
		if t.After(cutoff) {
			return false
		}
	}
	return true
}

// KeyedWindows tracks one sliding window per string key, created lazily.
// Used for the per-campaign orchestrator call cap.
type KeyedWindows struct {
	mu        sync.Mutex
	limit     int
	interval  time.Duration
	windows   map[string]*Window
	lastSweep time.Time
	now       func() time.Time
}

// NewKeyedWindows builds a keyed limiter where each key gets its own
// limit-per-interval window.
func NewKeyedWindows(limit int, interval time.Duration) *KeyedWindows {
	return &KeyedWindows{
		limit:    limit,
		interval: interval,
		windows:  make(map[string]*Window),
		now:      time.Now,
	}
}

// Allow admits or rejects a hit for the given key. Windows whose hits have
// all expired are swept at most once per interval, so the map stays bounded
// by the number of recently active keys.
func (k *KeyedWindows) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if now.Sub(k.lastSweep) >= k.interval {
		k.lastSweep = now
		for id, w := range k.windows {
			if w.idleSince(now) {
				delete(k.windows, id)
			}
		}
	}
	w, ok := k.windows[key]
	if !ok {
		w = NewWindow(k.limit, k.interval)
		w.now = k.now
		k.windows[key] = w
	}
	k.mu.Unlock()
	return w.Allow()
}
