package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askguard/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LimitResolver returns the requests-per-hour allowance of a key; 0 keeps the default
type LimitResolver func(ctx context.Context, key string) int

type keyLimiter struct {
	limiter    *rate.Limiter
	perHour    int
	lastAccess time.Time
}

// RateLimiter is a token bucket per key, typically per tenant
type RateLimiter struct {
	perHour int
	burst   int
	resolve LimitResolver
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*keyLimiter
}

// NewRateLimiter creates a limiter. resolve may be nil.
func NewRateLimiter(perHour, burst int, resolve LimitResolver, logger *zap.Logger) *RateLimiter {
	if perHour <= 0 {
		perHour = 100
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		perHour:  perHour,
		burst:    burst,
		resolve:  resolve,
		logger:   logger.Named("rate_limiter"),
		limiters: make(map[string]*keyLimiter),
	}
}

// Allow reports whether key may make a request now
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	perHour := rl.perHour
	if rl.resolve != nil {
		if n := rl.resolve(ctx, key); n > 0 {
			perHour = n
		}
	}

	rl.mu.Lock()
	kl, ok := rl.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(perHourLimit(perHour), rl.burst), perHour: perHour}
		rl.limiters[key] = kl
	} else if kl.perHour != perHour {
		// allowance changed since the bucket was created
		kl.limiter.SetLimit(perHourLimit(perHour))
		kl.perHour = perHour
	}
	kl.lastAccess = time.Now()
	rl.mu.Unlock()

	return kl.limiter.Allow()
}

// Cleanup drops buckets idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, kl := range rl.limiters {
		if kl.lastAccess.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Middleware limits requests per value of the named route parameter
func (rl *RateLimiter) Middleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param(param)
		if key == "" {
			c.Next()
			return
		}

		if !rl.Allow(c.Request.Context(), key) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String(param, key),
				zap.String("path", c.FullPath()),
			)
			c.Header("Retry-After", strconv.Itoa(rl.retryAfter(key)))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": domain.ErrRateLimited.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) retryAfter(key string) int {
	rl.mu.Lock()
	kl, ok := rl.limiters[key]
	rl.mu.Unlock()
	if !ok || kl.perHour <= 0 {
		return 1
	}
	return int(math.Ceil(3600 / float64(kl.perHour)))
}

func perHourLimit(perHour int) rate.Limit {
	return rate.Limit(float64(perHour) / 3600)
}
