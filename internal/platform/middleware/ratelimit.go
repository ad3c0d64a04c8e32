package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig allows a burst of five submissions per client and
// one more every ten seconds.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 0.1,
		BurstSize:         5,
		IdleTTL:           10 * time.Minute,
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

// take consumes a token if one is available. Otherwise it reports how many
// seconds remain until the next one.
func (b *tokenBucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

// RateLimit limits requests per client IP and route. Buckets live in a
// go-cache so clients that go quiet are forgotten.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	buckets := cache.New(cfg.IdleTTL, 2*cfg.IdleTTL)
	var mu sync.Mutex
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	bucketFor := func(key string) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if v, ok := buckets.Get(key); ok {
			b := v.(*tokenBucket)
			buckets.SetDefault(key, b)
			return b
		}
		b := newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, now())
		buckets.SetDefault(key, b)
		return b
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP() + " " + c.Request().Method + " " + c.Path()

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			ok, retryAfter := bucketFor(key).take(now())
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many submissions, try again later")
			}
			return next(c)
		}
	}
}
