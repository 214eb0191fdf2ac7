package main

import (
	"chat-gateway/core"
	"chat-gateway/models"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// recommendations 根据池状态给出的运维建议
func recommendations(keys core.CredentialStatus, routes core.RouteStats) []string {
	var out []string

	switch {
	case routes.AvailableRoutes == 0 && !routes.DirectConnectionEnabled:
		out = append(out, "🚨 Critical: no egress route is available and direct fallback is disabled!")
	case routes.AvailableRoutes == 0 && routes.TotalRoutes > 0:
		out = append(out, "⚠️ All proxies are unavailable, traffic is using the direct connection")
	case routes.AvailableRoutes == 1 && routes.TotalRoutes > 1:
		out = append(out, "⚠️ Only one proxy is available, add backups")
	}

	if keys.AllKeysUnavailable {
		out = append(out, "🚨 Critical: all API keys are unavailable!")
	} else if keys.AvailableKeys <= 1 {
		out = append(out, "⚠️ Few API keys available, check quotas")
	}

	if len(out) == 0 {
		out = append(out, "✅ System is running optimally")
	}
	return out
}

// handleAdminStats 系统总览
func handleAdminStats(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := app.sessions.Summary()
		if err != nil {
			app.log.Errorf("Failed to load user summary: %v", err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load statistics"))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Statistics retrieved successfully", gin.H{
			"users":   users,
			"keys":    app.creds.Status(),
			"proxies": app.routes.Stats(),
			"model": gin.H{
				"primary":   app.cfg.PrimaryModel,
				"fallback":  app.cfg.FallbackModel,
				"last_used": app.dispatcher.LastModel(),
			},
			"uptime_seconds": int64(time.Since(app.startedAt).Seconds()),
		}))
	}
}

// handleAdminKeys 凭证池状态
func handleAdminKeys(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.NewSuccessResponse("Keys retrieved successfully", app.creds.Status()))
	}
}

// handleRotateKeys 游标回到第一个凭证
func handleRotateKeys(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		app.creds.ResetCursor()
		c.JSON(200, models.NewSuccessResponse("Key rotation reset", app.creds.Status()))
	}
}

// handleCleanupKeys 清理过期冷却
func handleCleanupKeys(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed := app.creds.CleanupCooldowns()
		c.JSON(200, models.NewSuccessResponse("Cooldowns cleaned", gin.H{
			"removed": removed,
			"status":  app.creds.Status(),
		}))
	}
}

// handleUnblockKey 解除封禁和冷却，:id 为凭证指纹
func handleUnblockKey(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := app.creds.Unblock(c.Param("id")); err != nil {
			if errors.Is(err, core.ErrUnknownCredential) {
				c.JSON(http.StatusNotFound, models.NewErrorResponse("Key not found"))
				return
			}
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Key unblocked", app.creds.Status()))
	}
}

// handleAdminProxy 线路统计 + 凭证状态 + 建议
func handleAdminProxy(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := app.creds.Status()
		routes := app.routes.Stats()
		c.JSON(200, models.NewSuccessResponse("Proxy statistics retrieved successfully", gin.H{
			"proxies":         routes,
			"keys":            keys,
			"recommendations": recommendations(keys, routes),
		}))
	}
}

// handleReloadProxy 重新读取线路配置，失败时保持原状态
func handleReloadProxy(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := app.routes.Reload(); err != nil {
			app.log.Errorf("Proxy reload failed: %v", err)
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Failed to reload proxy config: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Proxy configuration reloaded", app.routes.Stats()))
	}
}

// handleTestConnection 用一个凭证和一条线路做一次最小请求，不影响池状态
func handleTestConnection(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := app.dispatcher.TestConnection(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, models.NewErrorResponse(err.Error()))
			return
		}
		status := http.StatusOK
		if !result.OK {
			status = http.StatusBadGateway
		}
		c.JSON(status, &models.APIResponse{
			Success:   result.OK,
			Data:      result,
			Timestamp: time.Now().Unix(),
		})
	}
}

// handleAdminUsers 用户汇总统计
func handleAdminUsers(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, err := app.sessions.Summary()
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load statistics"))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Users retrieved successfully", sum))
	}
}

// handleAdminUserDetails 导出单个用户
func handleAdminUserDetails(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		export, err := app.sessions.Export(c.Param("user_id"))
		if err != nil {
			if errors.Is(err, core.ErrUserNotFound) {
				c.JSON(http.StatusNotFound, models.NewErrorResponse("User not found"))
				return
			}
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load user"))
			return
		}
		c.JSON(200, models.NewSuccessResponse("User retrieved successfully", export))
	}
}

// handleAdminDeleteUser 删除用户全部数据
func handleAdminDeleteUser(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		ok, err := app.sessions.Delete(userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to delete user"))
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("User not found"))
			return
		}
		c.JSON(200, models.NewSuccessResponse("User data deleted: "+userID, nil))
	}
}

// handleSystemCleanup 删除不活跃用户并清理过期冷却
func handleSystemCleanup(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Days int `json:"days" form:"days"`
		}
		if err := bindPayload(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if req.Days <= 0 {
			req.Days = 30
		}

		removedUsers, err := app.sessions.CleanupInactive(req.Days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Cleanup failed"))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Cleanup completed", gin.H{
			"removed_users":     removedUsers,
			"removed_cooldowns": app.creds.CleanupCooldowns(),
		}))
	}
}

// handleAdminAttempts 最近的物理请求记录
func handleAdminAttempts(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		logs, err := app.attempts.Recent(limit, c.Query("dispatch_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load attempts"))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Attempts retrieved successfully", logs))
	}
}
