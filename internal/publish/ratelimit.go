package publish

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit events per rolling window. Unlike a
// token bucket, an over-limit event is admitted only once the oldest event
// in the window ages out, which is the admission rule for publications
// (at most N per rolling hour per author).
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

// NewSlidingWindow creates a limiter admitting limit events per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window}
}

// Allow records and admits an event at now, or rejects it without
// recording when the window is full.
func (w *SlidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Remaining reports how many admissions are left in the window at now.
func (w *SlidingWindow) Remaining(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	return w.limit - len(w.events)
}

func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	keep := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.events = keep
}
