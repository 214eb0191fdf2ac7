package main

import (
	"bytes"
	"chat-gateway/config"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminToken = "admin-secret"
	okBody         = `{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`
	directRoutes   = `{"proxies":[{"name":"local","direct":true}],"settings":{"enable_direct_connection_fallback":true}}`
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func init() {
	gin.SetMode(gin.TestMode)
}

type testGateway struct {
	app      *App
	engine   *gin.Engine
	upstream *httptest.Server
	calls    *int32
	bodies   chan map[string]interface{}
}

func newTestGateway(t *testing.T, upstream http.HandlerFunc, mutate func(*config.Config)) *testGateway {
	t.Helper()
	dir := t.TempDir()

	var calls int32
	bodies := make(chan map[string]interface{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		select {
		case bodies <- body:
		default:
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		upstream(w, r)
	}))
	t.Cleanup(srv.Close)

	routesPath := filepath.Join(dir, "proxy_config.json")
	require.NoError(t, os.WriteFile(routesPath, []byte(directRoutes), 0644))

	cfg := config.Config{
		Port:                    5000,
		GinMode:                 gin.TestMode,
		LogLevel:                "debug",
		DBPath:                  filepath.Join(dir, "webapp.db"),
		AdminToken:              testAdminToken,
		APIKeys:                 []string{"test-key-aaaa1111"},
		BaseURL:                 srv.URL,
		PrimaryModel:            "primary",
		FallbackModel:           "fallback",
		UseFallback:             true,
		MaxAttempts:             2,
		AttemptTimeout:          5 * time.Second,
		SystemInstruction:       "You are a helpful assistant",
		KeyStateFile:            filepath.Join(dir, "keys_state.json"),
		KeyRateLimitCooldown:    10 * time.Minute,
		KeyBadRequestCooldown:   5 * time.Minute,
		ProxyConfigFile:         routesPath,
		CooldownCleanupInterval: time.Minute,
		HistoryLimit:            10,
		MaxImageMB:              1,
		RateLimitRPS:            1000,
		RateLimitBurst:          1000,
		AttemptLogRetention:     100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := initDatabase(cfg.DBPath, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	reg := prometheus.NewRegistry()
	app, err := newApp(cfg, db, reg, log)
	require.NoError(t, err)
	t.Cleanup(app.attempts.Close)

	limiter := NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	return &testGateway{
		app:      app,
		engine:   setupRouter(app, reg, limiter),
		upstream: srv,
		calls:    &calls,
		bodies:   bodies,
	}
}

func replyWith(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.engine.ServeHTTP(w, req)
	return w
}

func (g *testGateway) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *testGateway) admin(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return g.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestChat_JSONWithNumericTelegramID(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.postJSON("/api/chat", `{"message":"ping","telegram_user_id":12345}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pong", body["response"])
	assert.Equal(t, "12345", body["user_id"])
	assert.Equal(t, "primary", body["model"])

	sent := <-g.bodies
	assert.Contains(t, sent, "tools")
	assert.Contains(t, sent, "systemInstruction")

	w = g.do(httptest.NewRequest(http.MethodGet, "/api/chat/history?telegram_user_id=12345", nil))
	require.Equal(t, 200, w.Code)
	hist := decode(t, w)
	assert.Equal(t, float64(1), hist["count"])
	assert.Len(t, hist["gemini_history"], 2)
}

func TestChat_HistoryIsSentUpstream(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"first","user_id":"u1"}`).Code)
	<-g.bodies
	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"second","user_id":"u1"}`).Code)
	sent := <-g.bodies
	assert.Len(t, sent["contents"], 3)
}

func TestChat_FormWithHeaderUserID(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("message=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Telegram-User-Id", "777")
	w := g.do(req)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, "777", decode(t, w)["user_id"])
}

func TestChat_JSONWithoutContentType(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi","user_id":"u2"}`))
	w := g.do(req)
	require.Equal(t, 200, w.Code, w.Body.String())
}

func TestChat_ValidationErrors(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.postJSON("/api/chat", `{"message":"ping"}`)
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, decode(t, w)["error"], "user_id")

	w = g.postJSON("/api/chat", `{"message":"   ","user_id":"u1"}`)
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "Please enter a message or attach an image", decode(t, w)["error"])

	w = g.postJSON("/api/chat", `{"message":`)
	assert.Equal(t, 400, w.Code)

	assert.Equal(t, int32(0), atomic.LoadInt32(g.calls))
}

func multipartChat(t *testing.T, fields map[string]string, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestChat_MultipartImageOnly(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.do(multipartChat(t, map[string]string{"user_id": "u1"}, "photo.bin", "application/octet-stream", pngBytes))
	require.Equal(t, 200, w.Code, w.Body.String())

	sent := <-g.bodies
	contents := sent["contents"].([]interface{})
	parts := contents[len(contents)-1].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 1)
	inline := parts[0].(map[string]interface{})["inline_data"].(map[string]interface{})
	assert.Equal(t, "image/png", inline["mime_type"])

	export, err := g.app.sessions.Export("u1")
	require.NoError(t, err)
	require.Len(t, export.History, 1)
	assert.Equal(t, imagePlaceholder, export.History[0].UserMessage)
	assert.True(t, export.History[0].HasImage)
	assert.Equal(t, 1, export.User.TotalImages)
}

func TestChat_MultipartRejectsNonImage(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.do(multipartChat(t, map[string]string{"user_id": "u1", "message": "look"}, "notes.txt", "text/plain", []byte("just some text")))
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, decode(t, w)["error"], "Image processing failed")
	assert.Equal(t, int32(0), atomic.LoadInt32(g.calls))
}

func TestChat_UpstreamFailuresMapToFriendlyErrors(t *testing.T) {
	g := newTestGateway(t, replyWith(503, `{"error":{"code":503,"message":"overloaded"}}`), func(c *config.Config) {
		c.UseFallback = false
	})

	w := g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`)
	assert.Equal(t, 503, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Could not get a response, please try again later", body["error"])
	assert.NotContains(t, w.Body.String(), "overloaded")
	assert.Equal(t, int32(2), atomic.LoadInt32(g.calls))

	h, err := g.app.sessions.History("u1", 0)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestChat_AllKeysUnavailable(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), func(c *config.Config) {
		c.APIKeys = nil
	})

	w := g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`)
	assert.Equal(t, 503, w.Code)
	assert.Equal(t, "The assistant is temporarily unavailable, please try again later", decode(t, w)["error"])
	assert.Equal(t, int32(0), atomic.LoadInt32(g.calls))

	w = g.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 503, w.Code)
}

func TestSettings_GetAndPartialUpdate(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.do(httptest.NewRequest(http.MethodGet, "/api/chat/settings?user_id=u1", nil))
	require.Equal(t, 200, w.Code)
	settings := decode(t, w)["settings"].(map[string]interface{})
	assert.Equal(t, true, settings["use_persona"])

	w = g.postJSON("/api/chat/settings", `{"user_id":"u1","use_persona":false}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	settings = decode(t, w)["settings"].(map[string]interface{})
	assert.Equal(t, false, settings["use_persona"])
	assert.Equal(t, true, settings["use_google_search"])

	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`).Code)
	sent := <-g.bodies
	assert.NotContains(t, sent, "systemInstruction")

	w = g.do(httptest.NewRequest(http.MethodGet, "/api/chat/settings", nil))
	assert.Equal(t, 400, w.Code)
}

func TestClearHistory_BothPaths(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`).Code)

	w := g.postJSON("/api/chat/clear", `{"user_id":"u1"}`)
	require.Equal(t, 200, w.Code)
	w = g.postJSON("/api/chat/history/clear", `{"telegram_user_id":"u1"}`)
	require.Equal(t, 200, w.Code)

	u, err := g.app.sessions.GetOrCreate("u1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.SessionCount)

	w = g.postJSON("/api/chat/clear", `{}`)
	assert.Equal(t, 400, w.Code)
}

func TestChatStatus(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.do(httptest.NewRequest(http.MethodGet, "/api/chat/status", nil))
	require.Equal(t, 200, w.Code)
	status := decode(t, w)["status"].(map[string]interface{})
	assert.Equal(t, true, status["available"])
	assert.Equal(t, float64(1), status["total_keys"])
	assert.Equal(t, float64(1), status["total_proxies"])
	assert.Equal(t, true, status["direct_connection"])
}

func TestAdmin_RequiresToken(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.do(httptest.NewRequest(http.MethodGet, "/admin/keys", nil))
	assert.Equal(t, 401, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, 401, g.do(req).Code)

	assert.Equal(t, 200, g.do(httptest.NewRequest(http.MethodGet, "/admin/keys?token="+testAdminToken, nil)).Code)
	assert.Equal(t, 200, g.admin(http.MethodGet, "/admin/stats").Code)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), func(c *config.Config) {
		c.AdminToken = ""
	})
	assert.Equal(t, 404, g.do(httptest.NewRequest(http.MethodGet, "/admin/keys", nil)).Code)
	assert.Equal(t, 404, g.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil)).Code)
}

func TestAdmin_KeyOperations(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	assert.Equal(t, 404, g.admin(http.MethodPost, "/admin/keys/nope/unblock").Code)

	id := g.app.creds.Status().Details[0].ID
	g.app.creds.ReportForbidden(id)
	assert.True(t, g.app.creds.Status().AllKeysUnavailable)

	w := g.admin(http.MethodPost, "/admin/keys/"+id+"/unblock")
	require.Equal(t, 200, w.Code)
	assert.False(t, g.app.creds.Status().AllKeysUnavailable)

	assert.Equal(t, 200, g.admin(http.MethodPost, "/admin/keys/rotate").Code)
	w = g.admin(http.MethodPost, "/admin/keys/cleanup")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["data"].(map[string]interface{})["removed"])

	assert.NotContains(t, g.admin(http.MethodGet, "/admin/keys").Body.String(), "test-key-aaaa1111")
}

func TestAdmin_ProxyEndpoints(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)

	w := g.admin(http.MethodGet, "/admin/proxy")
	require.Equal(t, 200, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Contains(t, data["recommendations"], "⚠️ Few API keys available, check quotas")

	w = g.admin(http.MethodPost, "/admin/proxy/test")
	require.Equal(t, 200, w.Code, w.Body.String())
	probe := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, probe["ok"])
	assert.Equal(t, "primary", probe["model"])

	require.NoError(t, os.WriteFile(g.app.cfg.ProxyConfigFile, []byte(`{"proxies":[{"name":"a"},{"name":"a"}]}`), 0644))
	w = g.admin(http.MethodPost, "/admin/proxy/reload")
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, 1, g.app.routes.Stats().TotalRoutes)

	require.NoError(t, os.WriteFile(g.app.cfg.ProxyConfigFile, []byte(`{"proxies":[]}`), 0644))
	w = g.admin(http.MethodPost, "/admin/proxy/reload")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, 0, g.app.routes.Stats().TotalRoutes)
}

func TestAdmin_UsersLifecycle(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`).Code)

	w := g.admin(http.MethodGet, "/admin/users")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["data"].(map[string]interface{})["total_users"])

	w = g.admin(http.MethodGet, "/admin/users/u1")
	require.Equal(t, 200, w.Code)
	export := decode(t, w)["data"].(map[string]interface{})
	assert.Len(t, export["history"], 1)

	assert.Equal(t, 404, g.admin(http.MethodGet, "/admin/users/ghost").Code)
	assert.Equal(t, 200, g.admin(http.MethodDelete, "/admin/users/u1").Code)
	assert.Equal(t, 404, g.admin(http.MethodDelete, "/admin/users/u1").Code)
}

func TestAdmin_SystemCleanup(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	_, err := g.app.sessions.GetOrCreate("u1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/system/cleanup", strings.NewReader(`{"days":1}`))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	w := g.do(req)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["data"].(map[string]interface{})["removed_users"])
}

func TestAdmin_Attempts(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`).Code)
	g.app.attempts.Close()

	w := g.admin(http.MethodGet, "/admin/attempts?limit=10")
	require.Equal(t, 200, w.Code)
	logs := decode(t, w)["data"].([]interface{})
	require.Len(t, logs, 1)
	entry := logs[0].(map[string]interface{})
	assert.Equal(t, "success", entry["outcome"])
	assert.Equal(t, "local", entry["route"])
	assert.NotContains(t, entry["key_suffix"], "test-key")
}

func TestAdmin_StatusStream(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	srv := httptest.NewServer(g.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/ws?token=" + testAdminToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var snap statusSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, 1, snap.Keys.TotalKeys)
	assert.Equal(t, 1, snap.Proxies.TotalRoutes)
	assert.Equal(t, "primary", snap.Model)
	assert.NotEmpty(t, snap.Recommendations)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/admin/ws", nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, 401, resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	require.Equal(t, 200, g.postJSON("/api/chat", `{"message":"ping","user_id":"u1"}`).Code)

	w := g.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `gateway_http_requests_total{method="POST",route="/api/chat",status="200"} 1`)
	assert.Contains(t, body, `gateway_dispatch_total{result="ok"} 1`)
	assert.Contains(t, body, "gateway_credentials_available 1")
}

func TestDashboardServed(t *testing.T) {
	g := newTestGateway(t, replyWith(200, okBody), nil)
	w := g.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "/admin/ws")
}
