package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"duocall-backend/internal/database"
	apperrors "duocall-backend/pkg/errors"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/response"
)

// RateLimiter implements fixed-window rate limiting in Redis. While Redis
// is degraded it counts in memory instead.
type RateLimiter struct {
	client   *database.RedisClient
	requests int
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	fallback map[string]*windowCount
}

type windowCount struct {
	start int64
	count int
}

// NewRateLimiter allows requests per window for each user, or each client IP
// before authentication. client may be nil to count only in memory.
func NewRateLimiter(client *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		requests: requests,
		window:   window,
		now:      time.Now,
		fallback: make(map[string]*windowCount),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := c.Get("user_id"); ok {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		count, resetAt := rl.hit(c.Request.Context(), identifier)

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > rl.requests {
			c.Header("Retry-After", strconv.FormatInt(max(resetAt-rl.now().Unix(), 1), 10))
			response.AppError(c, apperrors.RateLimitExceededError())
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts one request and returns the count in the current window and
// the unix time that window ends
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, int64) {
	windowSecs := int64(rl.window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	start := rl.now().Unix() / windowSecs * windowSecs
	resetAt := start + windowSecs

	if rl.client != nil && !rl.client.IsDegraded() {
		key := fmt.Sprintf("ratelimit:%s:%d", identifier, start)
		pipe := rl.client.Client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, time.Duration(windowSecs)*time.Second)
		_, err := pipe.Exec(ctx)
		if err == nil {
			return int(incr.Val()), resetAt
		}
		logger.Warn("Rate limit check failed, counting in memory", zap.Error(err))
	}

	return rl.hitMemory(identifier, start), resetAt
}

func (rl *RateLimiter) hitMemory(identifier string, start int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.fallback[identifier]
	if !ok || w.start != start {
		w = &windowCount{start: start}
		rl.fallback[identifier] = w
	}
	w.count++

	for id, other := range rl.fallback {
		if other.start < start {
			delete(rl.fallback, id)
		}
	}
	return w.count
}
