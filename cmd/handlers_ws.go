package main

import (
	"chat-gateway/core"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// /admin 已经校验过 token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusSnapshot 推送给仪表板的池状态
type statusSnapshot struct {
	Keys            core.CredentialStatus `json:"keys"`
	Proxies         core.RouteStats       `json:"proxies"`
	Recommendations []string              `json:"recommendations"`
	Model           string                `json:"model"`
	Timestamp       int64                 `json:"timestamp"`
}

func (a *App) snapshot() statusSnapshot {
	keys := a.creds.Status()
	routes := a.routes.Stats()
	return statusSnapshot{
		Keys:            keys,
		Proxies:         routes,
		Recommendations: recommendations(keys, routes),
		Model:           a.dispatcher.LastModel(),
		Timestamp:       time.Now().Unix(),
	}
}

// handleStatusStream 每 interval 推送一次快照，客户端断开时退出
func handleStatusStream(app *App, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			app.log.Warnf("WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// 读循环只用来感知关闭
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(app.snapshot()); err != nil {
				app.log.Debugf("WebSocket write failed: %v", err)
				return
			}
			select {
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}
