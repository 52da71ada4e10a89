package imagegate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter admits requests per user over a sliding window.
//
// The user map is locked only to look up, insert or drop a window; the
// check-and-admit itself runs under the user's own window lock, so unrelated
// users never serialize on each other.
type RateLimiter struct {
	maxRequests     int
	window          time.Duration
	cleanupInterval time.Duration

	mu    sync.RWMutex
	users map[string]*RateWindow

	now    func() time.Time
	logger *slog.Logger
	meter  Meter

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimiterClock sets the time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *RateLimiter) { l.logger = logger }
}

// WithLimiterMeter sets the meter.
func WithLimiterMeter(m Meter) LimiterOption {
	return func(l *RateLimiter) { l.meter = m }
}

// NewRateLimiter creates a RateLimiter. The config is expected to be
// validated already.
func NewRateLimiter(cfg RateLimitConfig, opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		maxRequests:     cfg.MaxRequests,
		window:          cfg.Window(),
		cleanupInterval: cfg.CleanupInterval(),
		users:           make(map[string]*RateWindow),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.meter == nil {
		l.meter = noopMeter{}
	}

	l.logger.Info("rate limiter initialized",
		"max_requests", l.maxRequests,
		"window", l.window.String(),
	)
	return l
}

// CheckUser atomically checks the user's window and records the request if
// it is admitted. Unknown users start with an empty window.
func (l *RateLimiter) CheckUser(userID string) bool {
	for {
		w := l.windowFor(userID)
		admitted, used, live := w.admit()
		if !live {
			// Swept between lookup and admit; pick up the replacement.
			continue
		}

		l.meter.OnAdmission(AdmissionEvent{
			UserID:  userID,
			Allowed: admitted,
			Used:    used,
			Max:     l.maxRequests,
		})
		if !admitted {
			l.logger.Warn("rate limit exceeded", "user", userID, "used", used, "max", l.maxRequests)
			return false
		}
		l.logger.Debug("request allowed", "user", userID, "used", used, "max", l.maxRequests)
		return true
	}
}

// UserStatus returns the user's current usage without recording a request.
func (l *RateLimiter) UserStatus(userID string) UserStatus {
	w, ok := l.lookup(userID)
	if !ok {
		return UserStatus{Remaining: l.maxRequests}
	}
	return w.status()
}

// ResetUser clears the user's timestamps. It returns false for unknown users.
func (l *RateLimiter) ResetUser(userID string) bool {
	w, ok := l.lookup(userID)
	if !ok || !w.reset() {
		return false
	}
	l.logger.Info("rate limit reset", "user", userID)
	return true
}

// Users returns the number of tracked users.
func (l *RateLimiter) Users() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}

// Sweep drops users that have been idle for twice the window and returns
// how many were removed.
func (l *RateLimiter) Sweep() int {
	l.mu.RLock()
	snapshot := make(map[string]*RateWindow, len(l.users))
	for id, w := range l.users {
		snapshot[id] = w
	}
	l.mu.RUnlock()

	idleFor := 2 * l.window
	removed := 0
	for id, w := range snapshot {
		if !w.retireIfIdle(idleFor) {
			continue
		}
		l.mu.Lock()
		if l.users[id] == w {
			delete(l.users, id)
		}
		l.mu.Unlock()
		removed++
	}

	if removed > 0 {
		l.logger.Info("cleaned up inactive users", "count", removed)
	}
	return removed
}

// Start launches the periodic sweep. It stops when ctx is cancelled or
// Shutdown is called. Calling Start more than once has no effect.
func (l *RateLimiter) Start(ctx context.Context) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.done != nil || l.cleanupInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.sweepLoop(ctx, l.done)
}

// Shutdown stops the sweep and waits for it to exit.
func (l *RateLimiter) Shutdown() {
	l.lifecycle.Lock()
	cancel, done := l.cancel, l.done
	l.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("rate limiter shutdown complete")
}

func (l *RateLimiter) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(l.cleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

func (l *RateLimiter) lookup(userID string) (*RateWindow, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w, ok := l.users[userID]
	return w, ok
}

// windowFor returns the user's window, creating it exactly once.
func (l *RateLimiter) windowFor(userID string) *RateWindow {
	if w, ok := l.lookup(userID); ok && !w.retired.Load() {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.users[userID]; ok && !w.retired.Load() {
		return w
	}
	w := newRateWindow(l.maxRequests, l.window, l.now)
	l.users[userID] = w
	return w
}
