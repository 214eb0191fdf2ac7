package main

import (
	"bytes"
	"chat-gateway/core"
	"chat-gateway/core/utils"
	"chat-gateway/models"
	"context"
	"crypto/subtle"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxLoggedBody = 1000

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Telegram-User-Id")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// requestLoggerMiddleware 只记录 >= 400 的请求
// 文本类请求体会被缓存以便出错时写入日志，multipart 上传不缓存
func requestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var bodyBytes []byte
		if c.Request.Body != nil && !strings.HasPrefix(c.ContentType(), "multipart/") {
			var err error
			bodyBytes, err = io.ReadAll(c.Request.Body)
			c.Request.Body.Close()
			if err != nil {
				log.Errorf("Failed to read request body: %v", err)
			}
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		c.Next()

		statusCode := c.Writer.Status()
		if statusCode < 400 {
			return
		}

		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     statusCode,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		if len(bodyBytes) > 0 {
			fields["request_body"] = utils.Truncate(string(bodyBytes), maxLoggedBody)
			fields["body_size"] = len(bodyBytes)
		}

		entry := log.WithFields(fields)
		if statusCode >= 500 {
			entry.Error("Server error")
		} else {
			entry.Warn("Client error")
		}
	}
}

// metricsMiddleware 记录请求数和耗时，未匹配的路由归为 unmatched
func metricsMiddleware(m *core.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.Duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// extractToken 依次尝试 Authorization Header、?token= 和 x-api-key
func extractToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.GetHeader("x-api-key")
}

// AdminAuthMiddleware 管理员鉴权中间件
func AdminAuthMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(401, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message: "Missing authentication token. Please provide token in Authorization header (Bearer <token>), x-api-key header, or ?token=<token> query parameter",
					Type:    "authentication_error",
				},
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			c.AbortWithStatusJSON(401, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Invalid authentication token", Type: "authentication_error"},
			})
			return
		}
		c.Next()
	}
}

// client 包装限流器及其最后访问时间
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 按 IP 限流，Run 负责清理不活跃的 IP
type IPRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   b,
		idleTTL: 3 * time.Minute,
	}
}

// GetLimiter 获取或创建 IP 对应的限流器，并更新访问时间
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, exists := i.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Run 每分钟清理一次，ctx 结束时退出
func (i *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			i.cleanup(now)
		}
	}
}

func (i *IPRateLimiter) cleanup(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for ip, c := range i.clients {
		if now.Sub(c.lastSeen) > i.idleTTL {
			delete(i.clients, ip)
			removed++
		}
	}
	return removed
}

// RateLimitMiddleware IP 限流中间件
func RateLimitMiddleware(limiter *IPRateLimiter, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.GetLimiter(clientIP).Allow() {
			log.Warnf("Rate limit exceeded for IP: %s", clientIP)
			c.AbortWithStatusJSON(429, models.NewErrorResponse("Too many requests, please slow down"))
			return
		}
		c.Next()
	}
}
