package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// 固定窗口计数: 第一次计数时设置过期，返回 {count, pttl}
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// RateLimit 返回一个 Gin 中间件，按客户端 IP 做固定窗口限流。
// scope 区分不同的限流规则 (如 "global"、"create-room")，keyPrefix 与其他 Redis key 共用。
// Redis 不可用时放行请求 (降级模式)。
func RateLimit(redisClient *redis.Client, keyPrefix, scope string, maxRequests int, window time.Duration) gin.HandlerFunc {
	// 启动时检查依赖
	if redisClient == nil {
		panic("Redis client cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 注意：如果服务在反向代理后面，需要配置 gin 的 TrustedProxies 才能拿到真实 IP
		key := keyPrefix + "ratelimit:" + scope + ":" + c.ClientIP()

		res, err := fixedWindowScript.Run(c.Request.Context(), redisClient, []string{key}, window.Milliseconds()).Slice()
		if err != nil || len(res) != 2 {
			logrus.WithFields(logrus.Fields{"scope": scope}).WithError(err).Warn("RateLimit: Redis unavailable, allowing request")
			c.Next()
			return
		}
		count, _ := res[0].(int64)
		pttl, _ := res[1].(int64)

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		remaining := int64(maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(maxRequests) {
			retryAfter := (pttl + 999) / 1000
			if retryAfter <= 0 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try again later"})
			c.Abort()
			return
		}

		c.Next()
	}
}
