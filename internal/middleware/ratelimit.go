package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/store2door/store2door-api/pkg/config"
	appErrors "github.com/store2door/store2door-api/pkg/errors"
	"github.com/store2door/store2door-api/pkg/response"
)

// Fixed-window counter. The INCR and EXPIRE run in one script so a crash
// between them cannot leave a counter without a TTL.
var rateLimitScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return { current, ttl }
`)

// RateLimit throttles requests per client IP using a fixed window in Redis.
// Intended for the credential endpoints; Redis being unavailable fails open.
func RateLimit(cfg config.RateLimitConfig, rdb *redis.Client, logger *zap.Logger) gin.HandlerFunc {
	if !cfg.Enabled || rdb == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := cfg.Requests
	if limit <= 0 {
		limit = 20
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}

	return func(c *gin.Context) {
		key := fmt.Sprintf("ratelimit:auth:%s", c.ClientIP())

		vals, err := rateLimitScript.Run(c.Request.Context(), rdb, []string{key}, window.Milliseconds()).Int64Slice()
		if err != nil || len(vals) != 2 {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		current, ttl := vals[0], vals[1]
		remaining := int64(limit) - current
		if remaining < 0 {
			remaining = 0
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if current > int64(limit) {
			if ttl > 0 {
				c.Header("Retry-After", strconv.FormatInt((ttl+999)/1000, 10))
			}
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}

		c.Next()
	}
}
