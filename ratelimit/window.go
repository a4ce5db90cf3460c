package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMax    = 70
	DefaultWindow = time.Minute
)

// SlidingWindow admits at most max requests inside any trailing window.
//
// It keeps the timestamp of every admitted request. Timestamps older than the window are
// pruned lazily on each call, never by a background goroutine.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	times []time.Time // ascending
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *SlidingWindow) {
		w.now = now
	}
}

// NewSlidingWindow returns a limiter admitting max requests per window.
// Non-positive arguments fall back to 70 per minute.
func NewSlidingWindow(max int, window time.Duration, opts ...Option) *SlidingWindow {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &SlidingWindow{max: max, window: window, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// prune drops timestamps that left the window. Caller holds mu.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *SlidingWindow) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	if len(w.times) >= w.max {
		return false
	}
	w.times = append(w.times, now)
	return true
}

func (w *SlidingWindow) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	st := Stats{Current: len(w.times), Max: w.max, Remaining: w.max - len(w.times)}
	if len(w.times) > 0 {
		st.ResetIn = w.times[0].Add(w.window).Sub(now)
		st.ResetInSeconds = int((st.ResetIn + time.Second - 1) / time.Second)
	}
	return st
}

// Reset forgets every recorded request.
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = nil
}
