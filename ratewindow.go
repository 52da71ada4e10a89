package imagegate

import (
	"sync"
	"sync/atomic"
	"time"
)

// RateWindow tracks one user's request timestamps within a rolling window.
// All methods are safe for concurrent use; the window's own mutex makes
// check-then-append atomic.
type RateWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  []time.Time // chronological
	touched     time.Time   // creation or last admission
	now         func() time.Time

	// retired is set under mu when the sweep drops the window from its limiter.
	retired atomic.Bool
}

// NewRateWindow creates a window admitting maxRequests per window.
func NewRateWindow(maxRequests int, window time.Duration) *RateWindow {
	return newRateWindow(maxRequests, window, time.Now)
}

func newRateWindow(maxRequests int, window time.Duration, now func() time.Time) *RateWindow {
	return &RateWindow{
		maxRequests: maxRequests,
		window:      window,
		touched:     now(),
		now:         now,
	}
}

// IsLimited reports whether the next request would be refused.
// Stale timestamps are pruned as a side effect.
func (w *RateWindow) IsLimited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return len(w.timestamps) >= w.maxRequests
}

// Admit prunes, checks and, only if not limited, records a request at now.
// It returns whether the request was admitted.
func (w *RateWindow) Admit() bool {
	admitted, _, _ := w.admit()
	return admitted
}

// admit is Admit that also returns the active count and whether the window
// is still owned by a limiter. A retired window never admits.
func (w *RateWindow) admit() (admitted bool, used int, live bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.retired.Load() {
		return false, 0, false
	}

	now := w.now()
	w.pruneLocked(now)
	if len(w.timestamps) >= w.maxRequests {
		return false, len(w.timestamps), true
	}

	w.timestamps = append(w.timestamps, now)
	w.touched = now
	return true, len(w.timestamps), true
}

// TimeUntilReset returns the time until the oldest active timestamp leaves
// the window. ok is false when the window holds no active timestamps.
func (w *RateWindow) TimeUntilReset() (d time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.timeUntilResetLocked(w.now())
}

// Len returns the number of active timestamps.
func (w *RateWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return len(w.timestamps)
}

func (w *RateWindow) status() UserStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	used := len(w.timestamps)
	st := UserStatus{
		Limited:   used >= w.maxRequests,
		Used:      used,
		Remaining: max(0, w.maxRequests-used),
	}
	if d, ok := w.timeUntilResetLocked(now); ok {
		st.ResetIn = DurationPtr(d)
	}
	return st
}

// reset clears the window. It reports false once the window is retired.
func (w *RateWindow) reset() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.retired.Load() {
		return false
	}
	w.timestamps = w.timestamps[:0]
	return true
}

// retireIfIdle retires the window when it has no timestamp newer than
// idleFor and has not been touched within idleFor.
func (w *RateWindow) retireIfIdle(idleFor time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-idleFor)
	w.pruneBeforeLocked(cutoff)
	if len(w.timestamps) > 0 || w.touched.After(cutoff) {
		return false
	}

	w.retired.Store(true)
	return true
}

func (w *RateWindow) timeUntilResetLocked(now time.Time) (time.Duration, bool) {
	w.pruneLocked(now)
	if len(w.timestamps) == 0 {
		return 0, false
	}

	resetAt := w.timestamps[0].Add(w.window)
	if !resetAt.After(now) {
		return 0, false
	}
	return resetAt.Sub(now), true
}

func (w *RateWindow) pruneLocked(now time.Time) {
	w.pruneBeforeLocked(now.Add(-w.window))
}

// pruneBeforeLocked drops timestamps not after cutoff. Timestamps are
// chronological, so only a prefix is removed.
func (w *RateWindow) pruneBeforeLocked(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.timestamps, w.timestamps[i:])
	w.timestamps = w.timestamps[:n]
}
