package gateway

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client limiting of /api routes. A zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond int
	// Burst defaults to RequestsPerSecond.
	Burst int
}

// TokenBucketLimiter keeps one token bucket per key.
type TokenBucketLimiter struct {
	limiters sync.Map // key -> *rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewTokenBucketLimiter allows requestsPerSecond on average per key, with bursts up to burst.
func NewTokenBucketLimiter(requestsPerSecond, burst int) *TokenBucketLimiter {
	if burst <= 0 {
		burst = requestsPerSecond
	}
	return &TokenBucketLimiter{
		rate:  rate.Limit(requestsPerSecond),
		burst: burst,
	}
}

// Allow reports whether a request for key fits in its bucket.
func (l *TokenBucketLimiter) Allow(key string) bool {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter).Allow()
	}
	limiter, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	return limiter.(*rate.Limiter).Allow()
}

func rateLimit(limiter *TokenBucketLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			writeError(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// clientIP prefers X-Forwarded-For, then X-Real-IP, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
