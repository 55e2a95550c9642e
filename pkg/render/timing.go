package render

import (
	"sync"
	"time"
)

// DefaultMinDisplay is how long a renderer stays visible once shown.
const DefaultMinDisplay = 800 * time.Millisecond

// Tracker enforces the minimum display duration per renderer instance.
// Keys identify one shown element (typically "<messageID>/<ind>"); the
// first MarkShown per key pins its start time and later calls are
// no-ops, so re-renders never extend the clock.
type Tracker struct {
	min   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
	timers  map[string]*time.Timer
	closed  bool
}

// NewTracker creates a tracker. A non-positive min selects
// DefaultMinDisplay; a nil clock selects time.Now.
func NewTracker(min time.Duration, clock func() time.Time) *Tracker {
	if min <= 0 {
		min = DefaultMinDisplay
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		min:     min,
		clock:   clock,
		started: make(map[string]time.Time),
		timers:  make(map[string]*time.Timer),
	}
}

// MarkShown records that the element was displayed. Only the first call
// per key counts.
func (t *Tracker) MarkShown(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.started[key]; !ok {
		t.started[key] = t.clock()
	}
}

// Remaining reports how much longer the element must stay visible.
// Unknown keys owe nothing.
func (t *Tracker) Remaining(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.started[key]
	if !ok {
		return 0
	}
	remaining := t.min - t.clock().Sub(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HideWhenAllowed runs fn once the element has been visible for the
// minimum duration: immediately when already satisfied, otherwise via a
// timer for the remainder. A second call for the same key replaces the
// pending callback.
func (t *Tracker) HideWhenAllowed(key string, fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var remaining time.Duration
	if start, ok := t.started[key]; ok {
		remaining = t.min - t.clock().Sub(start)
	}
	if remaining <= 0 {
		delete(t.started, key)
		t.mu.Unlock()
		fn()
		return
	}

	if prev, ok := t.timers[key]; ok {
		prev.Stop()
	}
	t.timers[key] = time.AfterFunc(remaining, func() {
		t.mu.Lock()
		delete(t.timers, key)
		delete(t.started, key)
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			fn()
		}
	})
	t.mu.Unlock()
}

// Cancel drops the key's pending hide callback and visibility record,
// used when the element is torn down with the whole view.
func (t *Tracker) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	delete(t.started, key)
}

// Close stops every pending timer. No callbacks fire afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
	for key := range t.started {
		delete(t.started, key)
	}
}
