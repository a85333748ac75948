package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultBucketIdle  = 10 * time.Minute
	defaultSweepEvery  = 5000
	maxRetryAfter      = time.Hour
	rateLimitedCode    = "rate_limited"
	rateLimitedMessage = "rate limit exceeded"
)

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the caller email set by Identify and falls
// back to the client IP. The "user:" and "ip:" prefixes keep the two
// namespaces apart.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if s := userIDFromCtx(c); s != "" {
			return "user:" + s
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is an in-memory token bucket per caller. It protects a single
// API instance. Requests that IdempotencyValidator marked as replays are
// never charged.
type RateLimiter struct {
	// WriteCost is the number of tokens a POST, PUT, PATCH or DELETE
	// consumes. Values below 1 mean 1; values above the burst are clamped.
	WriteCost int

	limit rate.Limit
	burst int
	key   keyFunc

	idle       time.Duration
	sweepEvery int

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

// NewRateLimiter refills rps tokens per second into buckets of the given
// size (at least 1).
func NewRateLimiter(rps float64, burst int, key keyFunc) *RateLimiter {
	return &RateLimiter{
		WriteCost:  1,
		limit:      rate.Limit(rps),
		burst:      max(burst, 1),
		key:        key,
		idle:       defaultBucketIdle,
		sweepEvery: defaultSweepEvery,
		buckets:    make(map[string]*bucket),
	}
}

// cost is what a request with the given method is charged.
func (rl *RateLimiter) cost(method string) int {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return min(max(rl.WriteCost, 1), rl.burst)
	}
	return 1
}

// take charges n tokens to key. When the bucket is short it reports how
// long the caller should wait before the same request would pass.
func (rl *RateLimiter) take(key string, n int, now time.Time) (bool, time.Duration) {
	lim := rl.bucketFor(key, now)
	if lim.AllowN(now, n) {
		return true, 0
	}
	if rl.limit <= 0 {
		return false, maxRetryAfter
	}
	short := float64(n) - lim.TokensAt(now)
	wait := time.Duration(short / float64(rl.limit) * float64(time.Second))
	return false, min(wait, maxRetryAfter)
}

func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.calls++; rl.calls >= rl.sweepEvery {
		rl.calls = 0
		rl.sweepLocked(now)
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// sweep drops buckets idle for at least the idle window and returns how many
// it removed.
func (rl *RateLimiter) sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.sweepLocked(now)
}

func (rl *RateLimiter) sweepLocked(now time.Time) int {
	n := 0
	for k, b := range rl.buckets {
		if now.Sub(b.seen) >= rl.idle {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// IsRateBypass reports whether IdempotencyValidator flagged the request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	return ctxBool(c, ctxKeyRateBypass)
}

// retryAfterSeconds rounds wait up to whole seconds, never below one.
func retryAfterSeconds(wait time.Duration) string {
	s := int(math.Ceil(wait.Seconds()))
	return strconv.Itoa(max(s, 1))
}

// Handler enforces the limits. A denied request gets 429, a Retry-After
// header and the error envelope with code "rate_limited".
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		ok, wait := rl.take(rl.key(c), rl.cost(c.Request.Method), time.Now())
		if ok {
			c.Next()
			return
		}
		httpRateLimited.WithLabelValues(roleLabel(c)).Inc()
		c.Header("Retry-After", retryAfterSeconds(wait))
		abort(c, http.StatusTooManyRequests, rateLimitedCode, rateLimitedMessage)
	}
}
