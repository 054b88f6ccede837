package sampling

import (
	"sync"
	"time"
)

// window counts events inside a sliding time span. Stale stamps are evicted
// lazily on each check.
type window struct {
	mu     sync.Mutex
	span   time.Duration
	now    func() time.Time
	stamps []time.Time
}

func newWindow(span time.Duration) *window {
	return &window{span: span, now: time.Now}
}

// allow records one event unless the window already holds limit live
// entries. limit <= 0 disables the cap.
func (w *window) allow(limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	if limit > 0 && len(w.stamps) >= limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// count reports live entries.
func (w *window) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(w.now())
	return len(w.stamps)
}

// evict drops stamps older than the span. Callers hold w.mu.
func (w *window) evict(now time.Time) {
	live := w.stamps[:0]
	for _, ts := range w.stamps {
		if now.Sub(ts) < w.span {
			live = append(live, ts)
		}
	}
	w.stamps = live
}

// keyedWindows tracks one window per key.
type keyedWindows struct {
	mu      sync.RWMutex
	windows map[string]*window
	span    time.Duration
	maxKeys int
	now     func() time.Time
}

func newKeyedWindows(span time.Duration) *keyedWindows {
	return &keyedWindows{
		windows: make(map[string]*window),
		span:    span,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// allow records one event for key unless its window is at limit.
func (k *keyedWindows) allow(key string, limit int) bool {
	return k.get(key).allow(limit)
}

// count reports live entries for key without recording.
func (k *keyedWindows) count(key string) int {
	k.mu.RLock()
	w, ok := k.windows[key]
	k.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.count()
}

func (k *keyedWindows) get(key string) *window {
	k.mu.RLock()
	w, ok := k.windows[key]
	k.mu.RUnlock()
	if ok {
		return w
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// Double-check after acquiring write lock.
	if w, ok = k.windows[key]; ok {
		return w
	}

	if len(k.windows) >= k.maxKeys {
		k.prune()
	}

	w = newWindow(k.span)
	w.now = k.now
	k.windows[key] = w
	return w
}

// prune removes keys whose windows hold no live entries. Callers hold k.mu.
func (k *keyedWindows) prune() {
	now := k.now()
	for key, w := range k.windows {
		w.mu.Lock()
		w.evict(now)
		empty := len(w.stamps) == 0
		w.mu.Unlock()
		if empty {
			delete(k.windows, key)
		}
	}
}
