package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a token bucket limiter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	requestsPerMinute int
	burstSize         int

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

type visitor struct {
	tokens      float64
	lastRefill  time.Time
	lastRequest time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute sustained
// requests per IP with bursts up to burstSize.
func NewRateLimiter(requestsPerMinute, burstSize int) *RateLimiter {
	return &RateLimiter{
		visitors:          make(map[string]*visitor),
		requestsPerMinute: requestsPerMinute,
		burstSize:         burstSize,
		cleanupInterval:   5 * time.Minute,
		lastCleanup:       time.Now(),
	}
}

// Allow reports whether a request from ip may proceed, and how many tokens
// remain afterwards.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.cleanupInterval {
		rl.cleanup(now)
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{
			tokens:     float64(rl.burstSize),
			lastRefill: now,
		}
		rl.visitors[ip] = v
	}

	elapsed := now.Sub(v.lastRefill).Seconds()
	v.tokens += elapsed * float64(rl.requestsPerMinute) / 60.0
	if v.tokens > float64(rl.burstSize) {
		v.tokens = float64(rl.burstSize)
	}
	v.lastRefill = now
	v.lastRequest = now

	if v.tokens < 1.0 {
		return false, 0
	}
	v.tokens -= 1.0
	return true, int(v.tokens)
}

// cleanup drops visitors idle for over ten minutes. Caller holds the lock.
func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	for ip, v := range rl.visitors {
		if v.lastRequest.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	rl.lastCleanup = now
}

// Stats returns limiter state for monitoring.
func (rl *RateLimiter) Stats() map[string]int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]int{
		"active_ips":       len(rl.visitors),
		"requests_per_min": rl.requestsPerMinute,
		"burst_size":       rl.burstSize,
	}
}

// RateLimit enforces the limiter on every request.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			allowed, remaining := limiter.Allow(ip)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.requestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the originating IP behind proxies and load balancers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
