package web

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// RateLimiter is a per-client token bucket keyed by IP. Buckets refill
// continuously at rate tokens per second up to burst.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*tokenBucket
	rate      float64
	burst     int
	lastSweep time.Time
}

var rateLimitNow = time.Now

func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*tokenBucket),
		rate:      ratePerSecond,
		burst:     burst,
		lastSweep: rateLimitNow(),
	}
}

func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rateLimitNow()

	// Sweep stale buckets every 5 minutes.
	if now.Sub(rl.lastSweep) > 5*time.Minute {
		cutoff := now.Add(-10 * time.Minute)
		for k, b := range rl.clients {
			if b.last.Before(cutoff) {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.clients[clientIP]
	if !ok {
		rl.clients[clientIP] = &tokenBucket{
			tokens: float64(rl.burst) - 1,
			last:   now,
		}
		return true
	}

	b.tokens += now.Sub(b.last).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the client.
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
