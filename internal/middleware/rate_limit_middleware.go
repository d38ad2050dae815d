package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies fixed-window counters in Redis, shared across
// replicas, plus a local token-bucket burst guard per process.
type RateLimitMiddleware struct {
	redisClient *redis.Client
	config      *RateLimitConfig
	burst       *rate.Limiter
}

type RateLimitConfig struct {
	IPRequestsPerMinute    int
	UserRequestsPerMinute  int
	TradeRequestsPerMinute int
	BurstPerSecond         int
	WhitelistIPs           map[string]bool
}

func NewRateLimitMiddleware(redisClient *redis.Client, config *RateLimitConfig) *RateLimitMiddleware {
	if config == nil {
		config = &RateLimitConfig{
			IPRequestsPerMinute:    300,
			UserRequestsPerMinute:  120,
			TradeRequestsPerMinute: 30,
			BurstPerSecond:         50,
			WhitelistIPs:           make(map[string]bool),
		}
	}
	return &RateLimitMiddleware{
		redisClient: redisClient,
		config:      config,
		burst:       rate.NewLimiter(rate.Limit(config.BurstPerSecond), config.BurstPerSecond*2),
	}
}

// IPRateLimit throttles by client IP before authentication runs.
func (r *RateLimitMiddleware) IPRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if r.config.WhitelistIPs[clientIP] {
			c.Next()
			return
		}

		if !r.burst.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Request rate too high. Please slow down.",
			})
			c.Abort()
			return
		}

		key := fmt.Sprintf("ratelimit:ip:%s", clientIP)
		r.enforce(c, key, r.config.IPRequestsPerMinute)
	}
}

// UserRateLimit throttles authenticated users.
func (r *RateLimitMiddleware) UserRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:user:%d", userID.(int64))
		r.enforce(c, key, r.config.UserRequestsPerMinute)
	}
}

// TradeRateLimit applies a tighter window to trade mutations so one player
// cannot spam proposals.
func (r *RateLimitMiddleware) TradeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" {
			c.Next()
			return
		}
		userID, exists := c.Get("user_id")
		if !exists {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:trade:%d", userID.(int64))
		r.enforce(c, key, r.config.TradeRequestsPerMinute)
	}
}

func (r *RateLimitMiddleware) enforce(c *gin.Context, keyPrefix string, limit int) {
	now := time.Now()
	key := fmt.Sprintf("%s:%d", keyPrefix, now.Unix()/60)

	count, err := r.incrementAndGet(c.Request.Context(), key, time.Minute)
	if err != nil {
		// Redis being down never blocks traffic.
		c.Header("X-RateLimit-Error", err.Error())
		c.Next()
		return
	}

	resetTime := now.Truncate(time.Minute).Add(time.Minute)
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(max(limit-count, 0)))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

	if count > limit {
		c.Header("Retry-After", strconv.Itoa(int(time.Until(resetTime).Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Rate limit exceeded",
			"message":     "Too many requests. Please try again later.",
			"retry_after": int(time.Until(resetTime).Seconds()),
		})
		c.Abort()
		return
	}

	c.Next()
}

func (r *RateLimitMiddleware) incrementAndGet(ctx context.Context, key string, expiration time.Duration) (int, error) {
	pipe := r.redisClient.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
