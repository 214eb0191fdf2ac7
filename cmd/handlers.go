package main

import (
	"chat-gateway/core"
	"chat-gateway/core/utils"
	"chat-gateway/models"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	imagePlaceholder = "[Image]"
	userIDHeader     = "X-Telegram-User-Id"
)

// reasonResponses 失败标签到用户提示和状态码的映射，不透出上游内容
var reasonResponses = map[core.FailureReason]struct {
	message string
	status  int
}{
	core.ReasonAllKeysUnavailable: {"The assistant is temporarily unavailable, please try again later", http.StatusServiceUnavailable},
	core.ReasonMaxRetries:         {"Could not get a response, please try again later", http.StatusServiceUnavailable},
	core.ReasonProxyUnavailable:   {"Connection problem, please try again later", http.StatusServiceUnavailable},
	core.ReasonEmptyMessage:       {"Please enter a message or attach an image", http.StatusBadRequest},
	core.ReasonBadRequest:         {"Invalid request format", http.StatusBadRequest},
	core.ReasonEmptyResponse:      {"Could not generate a response, try rephrasing the question", http.StatusInternalServerError},
}

// failureResponse 标签对应的提示与状态码
func failureResponse(reason core.FailureReason) (string, int) {
	if r, ok := reasonResponses[reason]; ok {
		return r.message, r.status
	}
	return "An error occurred while processing the request", http.StatusInternalServerError
}

// handleRoot 处理根路径请求
func handleRoot(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    "Chat Gateway",
			"version": "1.0.0",
			"model":   app.dispatcher.LastModel(),
			"endpoints": gin.H{
				"chat":      "/api/chat",
				"status":    "/api/chat/status",
				"health":    "/health",
				"metrics":   "/metrics",
				"dashboard": "/dashboard",
			},
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleHealth 处理健康检查，没有可用凭证时返回 503
func handleHealth(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := app.creds.Status()
		routes := app.routes.Stats()

		resp := models.HealthResponse{
			Status:          "healthy",
			Gateway:         "Chat Gateway",
			KeysAvailable:   keys.AvailableKeys,
			RoutesAvailable: routes.AvailableRoutes,
			Timestamp:       time.Now().Unix(),
		}
		if keys.AllKeysUnavailable {
			resp.Status = "degraded"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(200, resp)
	}
}

// bindPayload 表单按表单解析，其余一律按 JSON 解析（兼容缺失 Content-Type 的客户端）
// 空请求体不算错误
func bindPayload(c *gin.Context, obj interface{}) error {
	switch c.ContentType() {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return c.ShouldBind(obj)
	}
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// resolveUserID 请求体中没有时回退到 X-Telegram-User-Id
func resolveUserID(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(c.GetHeader(userIDHeader))
}

// queryUserID GET 请求从 query 取 user_id
func queryUserID(c *gin.Context) string {
	ref := models.UserRef{
		UserID:         models.FlexibleID(c.Query("user_id")),
		TelegramUserID: models.FlexibleID(c.Query("telegram_user_id")),
	}
	return resolveUserID(c, ref.ResolveUserID())
}

func missingUserID(c *gin.Context) {
	c.JSON(http.StatusBadRequest, models.NewErrorResponse("user_id or telegram_user_id is required"))
}

// readAttachment multipart 中的 image 字段，没有时返回 nil
func readAttachment(c *gin.Context, app *App) (*core.Attachment, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return nil, nil
	}
	fh, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	app.log.Infof("🖼️ Processing image %s (%d bytes)", fh.Filename, fh.Size)
	return app.attachments.Process(f, fh.Header.Get("Content-Type"), fh.Filename)
}

// handleChat 一轮对话：校验输入 -> 读取设置和历史 -> 调度上游 -> 写入历史
func handleChat(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ChatRequest
		if err := bindPayload(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		userID := resolveUserID(c, req.ResolveUserID())
		if userID == "" {
			missingUserID(c)
			return
		}

		att, err := readAttachment(c, app)
		if err != nil {
			app.log.Warnf("❌ Image rejected for %s: %v", userID, err)
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Image processing failed: "+err.Error()))
			return
		}

		message := strings.TrimSpace(req.Message)
		if message == "" && att == nil {
			msg, status := failureResponse(core.ReasonEmptyMessage)
			c.JSON(status, models.NewErrorResponse(msg))
			return
		}

		if app.creds.Status().AllKeysUnavailable {
			msg, status := failureResponse(core.ReasonAllKeysUnavailable)
			c.JSON(status, models.NewErrorResponse(msg))
			return
		}

		settings, err := app.sessions.Settings(userID)
		if err != nil {
			app.log.Errorf("Failed to load settings for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Internal server error"))
			return
		}
		history, err := app.sessions.GeminiHistory(userID)
		if err != nil {
			app.log.Errorf("Failed to load history for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Internal server error"))
			return
		}

		app.log.Infof("🕵️ Chat request from %s: %s", userID, utils.Truncate(message, 50))

		reply, err := app.dispatcher.Send(c.Request.Context(), history, message, att, core.SendOptions{
			UseSearch:     settings.UseGoogleSearch,
			UseURLContext: settings.UseURLContext,
			UsePersona:    settings.UsePersona,
		})
		if err != nil {
			reason := core.ReasonOf(err)
			msg, status := failureResponse(reason)
			app.log.Errorf("Chat failed for %s: %s", userID, reason)
			c.JSON(status, models.NewErrorResponse(msg))
			return
		}

		stored := message
		if stored == "" {
			stored = imagePlaceholder
		}
		if err := app.sessions.AppendExchange(userID, stored, reply.Text, att != nil); err != nil {
			app.log.Errorf("Failed to save history for %s: %v", userID, err)
		}

		c.JSON(200, gin.H{
			"success":  true,
			"response": reply.Text,
			"user_id":  userID,
			"model":    reply.Model,
		})
	}
}

// handleGetSettings 查询用户设置
func handleGetSettings(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := queryUserID(c)
		if userID == "" {
			missingUserID(c)
			return
		}
		settings, err := app.sessions.Settings(userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load settings"))
			return
		}
		c.JSON(200, gin.H{"success": true, "settings": settings, "user_id": userID})
	}
}

// handleUpdateSettings 更新用户设置，未给出的字段保持不变
func handleUpdateSettings(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.UpdateSettingsRequest
		if err := bindPayload(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		userID := resolveUserID(c, req.ResolveUserID())
		if userID == "" {
			missingUserID(c)
			return
		}
		settings, err := app.sessions.UpdateSettings(userID, req)
		if err != nil {
			app.log.Errorf("Failed to update settings for %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to update settings"))
			return
		}
		c.JSON(200, gin.H{
			"success":  true,
			"message":  "Settings updated",
			"settings": settings,
			"user_id":  userID,
		})
	}
}

// handleHistory 原始历史和转换后的上游格式
func handleHistory(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := queryUserID(c)
		if userID == "" {
			missingUserID(c)
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(app.sessions.HistoryLimit())))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("limit must be a non-negative number"))
			return
		}

		history, err := app.sessions.History(userID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load history"))
			return
		}
		c.JSON(200, gin.H{
			"success":        true,
			"history":        history,
			"gemini_history": core.ToGeminiHistory(history),
			"count":          len(history),
			"user_id":        userID,
		})
	}
}

// handleClearHistory 清空历史
func handleClearHistory(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ref models.UserRef
		if err := bindPayload(c, &ref); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		userID := resolveUserID(c, ref.ResolveUserID())
		if userID == "" {
			missingUserID(c)
			return
		}
		if err := app.sessions.ClearHistory(userID); err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to clear history"))
			return
		}
		c.JSON(200, gin.H{"success": true, "message": "Chat history cleared", "user_id": userID})
	}
}

// handleChatStatus 当前是否可以对话
func handleChatStatus(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := app.creds.Status()
		routes := app.routes.Stats()
		available := !keys.AllKeysUnavailable &&
			(routes.AvailableRoutes > 0 || routes.DirectConnectionEnabled)

		c.JSON(200, gin.H{
			"success": true,
			"status": gin.H{
				"available":         available,
				"keys_available":    keys.AvailableKeys,
				"total_keys":        keys.TotalKeys,
				"proxies_available": routes.AvailableRoutes,
				"total_proxies":     routes.TotalRoutes,
				"direct_connection": routes.DirectConnectionEnabled,
				"model":             app.dispatcher.LastModel(),
			},
		})
	}
}
