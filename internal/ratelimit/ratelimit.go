// Package ratelimit enforces a sliding-window cap on feedback submissions
// per user.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults matching the site policy: 5 submissions per trailing 10 minutes.
const (
	DefaultMax    = 5
	DefaultWindow = 10 * time.Minute
)

// Limiter tracks per-user submission times. Admission and recording are one
// atomic operation: two concurrent Admit calls for the same user can never
// both take the last slot.
type Limiter struct {
	max    int
	window time.Duration

	mu    sync.Mutex
	users map[int64][]time.Time
}

// New creates a Limiter. max <= 0 or window <= 0 fall back to the defaults.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		max:    max,
		window: window,
		users:  make(map[int64][]time.Time),
	}
}

// Admit reports whether userID may submit at time now, recording the
// submission if allowed. On denial, retryAfter is the time until the oldest
// counted submission ages out of the window.
func (l *Limiter) Admit(userID int64, now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.evictLocked(userID, now)
	if len(recent) >= l.max {
		oldest := recent[0]
		return false, oldest.Add(l.window).Sub(now)
	}

	l.users[userID] = append(recent, now)
	return true, 0
}

// Peek reports what Admit would decide at time now, without recording a
// submission.
func (l *Limiter) Peek(userID int64, now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.evictLocked(userID, now)
	if len(recent) >= l.max {
		return false, recent[0].Add(l.window).Sub(now)
	}
	return true, 0
}

// Remaining returns how many submissions userID has left in the current
// window, without recording anything.
func (l *Limiter) Remaining(userID int64, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - len(l.evictLocked(userID, now))
}

// Reset forgets all recorded submissions for userID.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	delete(l.users, userID)
	l.mu.Unlock()
}

// evictLocked drops entries older than the window and returns what remains,
// oldest first. Empty slices are removed so the map never grows unbounded.
func (l *Limiter) evictLocked(userID int64, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	recent := l.users[userID][:0:0]
	for _, ts := range l.users[userID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) == 0 {
		delete(l.users, userID)
		return nil
	}
	l.users[userID] = recent
	return recent
}
