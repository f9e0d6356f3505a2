package aibot

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRateLimiterAdmitsUpToLimit(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(10, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		decision := limiter.Check("user-1", now.Add(time.Duration(i)*time.Second))
		require.True(t, decision.Allowed, "request %d should be admitted", i)
		assert.Equal(t, 10-(i+1), decision.Remaining)
	}

	decision := limiter.Check("user-1", now.Add(10*time.Second))
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestUserRateLimiterDenialRetryAfter(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(2, time.Minute)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	first := limiter.Check("user-1", base)
	require.True(t, first.Allowed)

	second := limiter.Check("user-1", base.Add(10*time.Second))
	require.True(t, second.Allowed)

	third := limiter.Check("user-1", base.Add(20*time.Second))
	require.False(t, third.Allowed)
	assert.Equal(t, 40*time.Second, third.RetryAfter)

	fourth := limiter.Check("user-1", base.Add(61*time.Second))
	assert.True(t, fourth.Allowed)
}

func TestUserRateLimiterWindowExpiry(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(3, time.Minute)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		decision := limiter.Check("user-1", base)
		require.True(t, decision.Allowed)
	}
	denied := limiter.Check("user-1", base.Add(30*time.Second))
	require.False(t, denied.Allowed)

	// All three admitted timestamps age out together one window after
	// they were recorded.
	later := limiter.Check("user-1", base.Add(time.Minute+time.Millisecond))
	assert.True(t, later.Allowed)
	assert.Equal(t, 2, later.Remaining)
}

func TestUserRateLimiterDenialConsumesNoSlot(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(2, time.Minute)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, limiter.Check("user-1", base).Allowed)
	require.True(t, limiter.Check("user-1", base.Add(time.Second)).Allowed)

	// Hammering while throttled must not push the recovery time back.
	for i := 2; i < 30; i++ {
		decision := limiter.Check("user-1", base.Add(time.Duration(i)*time.Second))
		require.False(t, decision.Allowed, "request at +%ds should be denied", i)
	}

	recovered := limiter.Check("user-1", base.Add(time.Minute+time.Second))
	assert.True(t, recovered.Allowed)
}

func TestUserRateLimiterPerUserIsolation(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(1, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, limiter.Check("user-1", now).Allowed)
	require.False(t, limiter.Check("user-1", now).Allowed)

	assert.True(t, limiter.Check("user-2", now).Allowed)
	assert.Equal(t, 2, limiter.TrackedUsers())
}

func TestUserRateLimiterConcurrentLastSlot(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(1, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		admits  int
		denials int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := limiter.Check("user-1", now)
			mu.Lock()
			defer mu.Unlock()
			if decision.Allowed {
				admits++
			} else {
				denials++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admits)
	assert.Equal(t, 49, denials)
}

func TestUserRateLimiterConcurrentUsers(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(5, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("user-%d", i)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				limiter.Check(userID, now)
			}()
		}
	}
	wg.Wait()

	// Every user saw the same contention, so every user ends up with a
	// full window.
	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("user-%d", i)
		decision := limiter.Check(userID, now)
		assert.False(t, decision.Allowed, "user %s should be at the limit", userID)
	}
	assert.Equal(t, 20, limiter.TrackedUsers())
}

func TestNewUserRateLimiterDefaults(t *testing.T) {
	t.Parallel()
	limiter := NewUserRateLimiter(0, 0)
	maxRequests, window := limiter.Limits()
	assert.Equal(t, DefaultRateLimitMaxRequests, maxRequests)
	assert.Equal(t, DefaultRateLimitWindow, window)
}
