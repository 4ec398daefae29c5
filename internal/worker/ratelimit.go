package worker

import (
	"net/http"
	"sync"
	"time"
)

// bucket is a token bucket for one client.
type bucket struct {
	lastUpdate time.Time
	tokens     float64
}

// RateLimiter implements per-client token bucket rate limiting. Notification
// posts arrive in bursts when a device reconnects, so the burst is generous
// and the sustained rate modest.
type RateLimiter struct {
	clients         map[string]*bucket
	lastCleanup     time.Time
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	requests        int64
	rejected        int64
	now             func() time.Time
	mu              sync.Mutex
}

// NewRateLimiter creates a limiter allowing rate requests per second per
// client with bursts up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:         make(map[string]*bucket),
		rate:            rate,
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// Allow checks if a request from clientKey should be allowed.
func (rl *RateLimiter) Allow(clientKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > rl.cleanupInterval {
		rl.cleanupLocked(now)
	}

	rl.requests++
	b, ok := rl.clients[clientKey]
	if !ok {
		b = &bucket{lastUpdate: now, tokens: float64(rl.burst)}
		rl.clients[clientKey] = b
	}

	b.tokens = min(b.tokens+now.Sub(b.lastUpdate).Seconds()*rl.rate, float64(rl.burst))
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	rl.rejected++
	return false
}

// cleanupLocked drops idle buckets. Caller must hold rl.mu.
func (rl *RateLimiter) cleanupLocked(now time.Time) {
	for key, b := range rl.clients {
		if now.Sub(b.lastUpdate) > rl.maxIdleTime {
			delete(rl.clients, key)
		}
	}
	rl.lastCleanup = now
}

// Stats returns aggregate statistics.
func (rl *RateLimiter) Stats() map[string]any {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]any{
		"rate":           rl.rate,
		"burst":          rl.burst,
		"active_clients": len(rl.clients),
		"total_requests": rl.requests,
		"total_rejected": rl.rejected,
	}
}

// RateLimitMiddleware applies per-client rate limiting keyed on the
// remote address (rewritten by chi's RealIP when behind a proxy).
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
