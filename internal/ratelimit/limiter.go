// Package ratelimit implements per-user admission control with an exact
// sliding window. Several independently configured limiters usually coexist,
// one per operation class.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	defaultSweepEvery = 5 * time.Minute
	defaultIdleAfter  = 10 * time.Minute
)

// Limiter admits at most max requests per user in any trailing window.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	sweepEvery time.Duration
	idleAfter  time.Duration

	mu        sync.Mutex
	users     map[int64][]time.Time
	lastSweep time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, used by tests to simulate elapsed time.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdleSweep overrides how often idle users are reclaimed and how long a
// user must be quiet before their window is dropped.
func WithIdleSweep(every, idleAfter time.Duration) Option {
	return func(l *Limiter) {
		if every > 0 {
			l.sweepEvery = every
		}
		if idleAfter > 0 {
			l.idleAfter = idleAfter
		}
	}
}

// New creates a limiter allowing maxRequests per window for each user.
func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		max:        maxRequests,
		window:     window,
		now:        time.Now,
		sweepEvery: defaultSweepEvery,
		idleAfter:  defaultIdleAfter,
		users:      make(map[int64][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Allow records a request for userID if it fits in the window. When it does
// not, nothing is recorded and the number of whole seconds until the oldest
// request leaves the window is returned.
func (l *Limiter) Allow(userID int64) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ts := l.evict(userID, now)

	if len(ts) < l.max {
		l.users[userID] = append(ts, now)
		l.maybeSweep(now)
		return true, 0
	}

	wait := ts[0].Add(l.window).Sub(now)
	retry := int(math.Ceil(wait.Seconds()))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// evict drops timestamps that fell out of the window and stores the remainder.
// Caller must hold l.mu.
func (l *Limiter) evict(userID int64, now time.Time) []time.Time {
	ts, ok := l.users[userID]
	if !ok {
		return nil
	}
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		l.users[userID] = ts
	}
	return ts
}

// maybeSweep removes idle users at most once per sweep interval.
// Caller must hold l.mu.
func (l *Limiter) maybeSweep(now time.Time) int {
	if now.Sub(l.lastSweep) < l.sweepEvery {
		return 0
	}
	l.lastSweep = now
	threshold := now.Add(-l.idleAfter)
	removed := 0
	for id, ts := range l.users {
		if len(ts) == 0 || ts[len(ts)-1].Before(threshold) {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time view of one user's window.
type Stats struct {
	Current   int           `json:"current_requests"`
	Max       int           `json:"max_requests"`
	Remaining int           `json:"remaining_requests"`
	Window    time.Duration `json:"window"`
}

// Stats reports usage for userID without recording a request.
func (l *Limiter) Stats(userID int64) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.evict(userID, l.now())
	remaining := l.max - len(ts)
	if remaining < 0 {
		remaining = 0
	}
	return Stats{Current: len(ts), Max: l.max, Remaining: remaining, Window: l.window}
}

// Users returns the number of users currently tracked.
func (l *Limiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// Max is the configured request budget per window.
func (l *Limiter) Max() int { return l.max }

// Window is the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
