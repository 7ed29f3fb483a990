package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// KeyFunc picks the bucket a request counts against.
type KeyFunc func(c *gin.Context) string

// ClientIP buckets by caller address.
func ClientIP(c *gin.Context) string { return c.ClientIP() }

// ClientRoute buckets by caller address and matched route, so one noisy
// webhook does not starve the others.
func ClientRoute(c *gin.Context) string { return c.ClientIP() + " " + c.FullPath() }

// RateLimiter is a fixed window limiter.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	key     KeyFunc
	now     func() time.Time
}

type bucket struct {
	count int
	reset time.Time
}

// NewRateLimiter allows limit requests per window for each client IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		key:     ClientIP,
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

// KeyedBy replaces the bucket key.
func (rl *RateLimiter) KeyedBy(fn KeyFunc) *RateLimiter {
	rl.key = fn
	return rl
}

// sweep drops buckets whose window ended.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for k, b := range rl.buckets {
			if now.After(b.reset) {
				delete(rl.buckets, k)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow counts one request against key.
func (rl *RateLimiter) Allow(key string) (remaining int, reset time.Time, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists || now.After(b.reset) {
		b = &bucket{reset: now.Add(rl.window)}
		rl.buckets[key] = b
	}
	if b.count >= rl.limit {
		return 0, b.reset, false
	}
	b.count++
	return rl.limit - b.count, b.reset, true
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		remaining, reset, ok := rl.Allow(rl.key(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if ok {
			c.Next()
			return
		}

		retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": retryAfter,
		})
	}
}
