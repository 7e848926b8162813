package realtime

import "time"

// deduper remembers dispatched change keys for one window. Keys older than
// twice the window are purged. Owned by the manager loop.
type deduper struct {
	window time.Duration
	seen   map[string]time.Time
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{window: window, seen: make(map[string]time.Time)}
}

// admit reports whether key may be dispatched at now and records it.
func (d *deduper) admit(key string, now time.Time) bool {
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// purge drops keys older than 2x the window and returns how many went.
func (d *deduper) purge(now time.Time) int {
	n := 0
	for k, at := range d.seen {
		if now.Sub(at) >= 2*d.window {
			delete(d.seen, k)
			n++
		}
	}
	return n
}

func (d *deduper) len() int { return len(d.seen) }
