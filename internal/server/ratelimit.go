package server

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 30
	DefaultRateWindow = 60 * time.Second
)

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter keyed by user id. It belongs to the
// server, not to a connection, so reconnecting does not reset a window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[int64]*rateWindow
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[int64]*rateWindow),
	}
}

// Allow counts one action for the user and reports whether it fits in the
// current window.
func (l *RateLimiter) Allow(userId int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[userId]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[userId] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Sweep drops expired windows and returns how many it removed.
func (l *RateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var n int
	for id, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, id)
			n++
		}
	}
	return n
}

// Serve sweeps once per window until ctx is done.
func (l *RateLimiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *RateLimiter) String() string {
	return "rate-limiter-sweeper"
}
