package aibot

import (
	"sync"
	"time"
)

// Decision is the result of a single UserRateLimiter.Check call.
type Decision struct {
	// Allowed indicates the request was admitted and consumed a slot.
	Allowed bool

	// RetryAfter is the duration until the oldest tracked request ages
	// out of the window, freeing a slot. Set only when Allowed is false.
	RetryAfter time.Duration

	// Remaining is the number of slots left in the current window after
	// this call.
	Remaining int
}

// UserRateLimiter limits how many requests each user may make within a
// sliding window. Each user may make up to maxRequests requests in any
// window-length interval, evaluated against per-user request timestamps
// that are pruned lazily on each check.
//
// Denied requests do not consume a slot and do not extend the window,
// so a user who keeps retrying while throttled is re-admitted as soon
// as their oldest admitted request ages out.
//
// All methods are safe for concurrent use.
type UserRateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
}

// NewUserRateLimiter returns a UserRateLimiter admitting up to
// maxRequests requests per user in any window-length interval.
// Non-positive values fall back to the defaults.
func NewUserRateLimiter(maxRequests int, window time.Duration) *UserRateLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultRateLimitMaxRequests
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &UserRateLimiter{
		requests:    map[string][]time.Time{},
		maxRequests: maxRequests,
		window:      window,
	}
}

// Check evaluates and records a request from userID at the given time.
// Timestamps at or beyond the window edge are discarded, then the
// request is admitted if fewer than maxRequests remain. Admission and
// recording happen under a single lock, so concurrent checks for the
// last free slot admit exactly one caller.
func (u *UserRateLimiter) Check(userID string, now time.Time) Decision {
	u.mu.Lock()
	defer u.mu.Unlock()

	cutoff := now.Add(-u.window)
	kept := u.requests[userID][:0]
	for _, ts := range u.requests[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= u.maxRequests {
		u.requests[userID] = kept
		return Decision{
			// kept[0] is the oldest surviving timestamp, so this is
			// always positive.
			RetryAfter: u.window - now.Sub(kept[0]),
		}
	}

	kept = append(kept, now)
	u.requests[userID] = kept
	return Decision{Allowed: true, Remaining: u.maxRequests - len(kept)}
}

// TrackedUsers reports how many users currently have recorded request
// timestamps.
func (u *UserRateLimiter) TrackedUsers() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

// Limits reports the configured per-user request limit and window.
func (u *UserRateLimiter) Limits() (int, time.Duration) {
	return u.maxRequests, u.window
}
