package main

import (
	"chat-gateway/core"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRateLimitMiddleware_PerIP(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Limit(0.001), 1)
	engine := gin.New()
	engine.Use(RateLimitMiddleware(limiter, quietLogger()))
	engine.GET("/x", func(c *gin.Context) { c.Status(200) })

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, 200, call("10.0.0.1"))
	assert.Equal(t, 429, call("10.0.0.1"))
	assert.Equal(t, 200, call("10.0.0.2"))
}

func TestIPRateLimiter_CleanupIdle(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1)
	limiter.GetLimiter("a")
	limiter.GetLimiter("b")

	assert.Equal(t, 0, limiter.cleanup(time.Now()))
	assert.Equal(t, 2, limiter.cleanup(time.Now().Add(4*time.Minute)))
	assert.Empty(t, limiter.clients)
}

func TestAdminAuthMiddleware_TokenSources(t *testing.T) {
	engine := gin.New()
	engine.Use(AdminAuthMiddleware("s3cret"))
	engine.GET("/admin", func(c *gin.Context) { c.Status(200) })

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, "/admin", 200},
		{"raw authorization", func(r *http.Request) { r.Header.Set("Authorization", "s3cret") }, "/admin", 200},
		{"query", func(r *http.Request) {}, "/admin?token=s3cret", 200},
		{"x-api-key", func(r *http.Request) { r.Header.Set("x-api-key", "s3cret") }, "/admin", 200},
		{"missing", func(r *http.Request) {}, "/admin", 401},
		{"wrong", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, "/admin", 401},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	engine := gin.New()
	engine.Use(corsMiddleware())
	engine.POST("/api/chat", func(c *gin.Context) { c.Status(200) })

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, 204, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Telegram-User-Id")
}

func TestRecommendations(t *testing.T) {
	healthyKeys := core.CredentialStatus{TotalKeys: 3, AvailableKeys: 3}

	assert.Equal(t, []string{"✅ System is running optimally"},
		recommendations(healthyKeys, core.RouteStats{TotalRoutes: 2, AvailableRoutes: 2, DirectConnectionEnabled: true}))

	assert.Equal(t, []string{"⚠️ Only one proxy is available, add backups"},
		recommendations(healthyKeys, core.RouteStats{TotalRoutes: 2, AvailableRoutes: 1}))

	assert.Equal(t, []string{"⚠️ All proxies are unavailable, traffic is using the direct connection"},
		recommendations(healthyKeys, core.RouteStats{TotalRoutes: 2, DirectConnectionEnabled: true}))

	out := recommendations(core.CredentialStatus{TotalKeys: 2, AllKeysUnavailable: true}, core.RouteStats{})
	assert.Equal(t, []string{
		"🚨 Critical: no egress route is available and direct fallback is disabled!",
		"🚨 Critical: all API keys are unavailable!",
	}, out)
}

func TestFailureResponse(t *testing.T) {
	msg, status := failureResponse(core.ReasonAllKeysUnavailable)
	assert.Equal(t, 503, status)
	assert.NotEmpty(t, msg)

	_, status = failureResponse(core.ReasonEmptyMessage)
	assert.Equal(t, 400, status)

	_, status = failureResponse(core.ReasonJSONParse)
	assert.Equal(t, 500, status)
}
