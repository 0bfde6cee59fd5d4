// Package middleware 运维接口中间件
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContextKeyAPIKey 认证通过后写入的脱敏 key，用作缺省操作人
const ContextKeyAPIKey = "api_key_prefix"

// AuthConfig 运维接口认证
type AuthConfig struct {
	APIKeys []string `json:"api_keys"`
	Enabled bool     `json:"enabled"`
}

// requestKey X-API-Key 优先，其次 Authorization: Bearer
func requestKey(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		return k
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func validKey(keys []string, k string) bool {
	ok := 0
	for _, want := range keys {
		ok |= subtle.ConstantTimeCompare([]byte(want), []byte(k))
	}
	return ok == 1
}

// APIKeyAuth 缺少 key 返回 401，key 无效返回 403
func APIKeyAuth(cfg AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}
		fields := []zap.Field{
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.String("remote_addr", c.ClientIP()),
		}
		key := requestKey(c)
		if key == "" {
			logger.Warn("api auth: missing api key", fields...)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "请在Header中提供 X-API-Key 或 Authorization: Bearer <token>",
			})
			return
		}
		masked := maskAPIKey(key)
		fields = append(fields, zap.String("api_key_prefix", masked))
		if !validKey(cfg.APIKeys, key) {
			logger.Warn("api auth: invalid api key", fields...)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "无效的API Key",
			})
			return
		}
		// 写操作留痕，只读请求降为 debug
		if c.Request.Method == http.MethodGet {
			logger.Debug("api auth: authenticated", fields...)
		} else {
			logger.Info("api auth: authenticated", fields...)
		}
		c.Set(ContextKeyAPIKey, masked)
		c.Next()
	}
}

// maskAPIKey 仅保留前后 4 位
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// RateLimitConfig 运维接口限流
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
}

// RateLimit 按客户端 IP 的令牌桶限流，超限返回 429
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled || cfg.RequestsPerMin <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMin
	}
	every := rate.Every(time.Minute / time.Duration(cfg.RequestsPerMin))
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(every, burst)
			limiters[ip] = l
		}
		mu.Unlock()
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// CORS 运维控制台跨域
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Operator, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
