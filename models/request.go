package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// FlexibleID 用户 ID，JSON 中可以是字符串或数字（Telegram 客户端发送数字）
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("user id must be a string or a number")
	}
	*f = FlexibleID(n.String())
	return nil
}

// ChatRequest 聊天请求（JSON 或 form）
type ChatRequest struct {
	Message        string     `json:"message" form:"message"`
	UserID         FlexibleID `json:"user_id" form:"user_id"`
	TelegramUserID FlexibleID `json:"telegram_user_id" form:"telegram_user_id"`
}

// ResolveUserID 兼容 user_id 与 telegram_user_id 两种参数
func (r *ChatRequest) ResolveUserID() string {
	return resolveUserID(r.UserID, r.TelegramUserID)
}

// UserRef 只携带用户 ID 的请求（清空历史等）
type UserRef struct {
	UserID         FlexibleID `json:"user_id" form:"user_id"`
	TelegramUserID FlexibleID `json:"telegram_user_id" form:"telegram_user_id"`
}

func (r *UserRef) ResolveUserID() string {
	return resolveUserID(r.UserID, r.TelegramUserID)
}

func resolveUserID(primary, telegram FlexibleID) string {
	if id := strings.TrimSpace(string(primary)); id != "" {
		return id
	}
	return strings.TrimSpace(string(telegram))
}

// ChatSettings 用户聊天设置
type ChatSettings struct {
	UseGoogleSearch bool `json:"use_google_search"`
	UseURLContext   bool `json:"use_url_context"`
	UsePersona      bool `json:"use_persona"`
}

// UpdateSettingsRequest 更新设置请求，nil 字段保持不变
type UpdateSettingsRequest struct {
	UserID          FlexibleID `json:"user_id" form:"user_id"`
	TelegramUserID  FlexibleID `json:"telegram_user_id" form:"telegram_user_id"`
	UseGoogleSearch *bool      `json:"use_google_search" form:"use_google_search"`
	UseURLContext   *bool      `json:"use_url_context" form:"use_url_context"`
	UsePersona      *bool      `json:"use_persona" form:"use_persona"`
}

func (r *UpdateSettingsRequest) ResolveUserID() string {
	return resolveUserID(r.UserID, r.TelegramUserID)
}

// UsersSummary 全部用户的汇总统计
type UsersSummary struct {
	TotalUsers             int64   `json:"total_users"`
	ActiveToday            int64   `json:"active_today"`
	ActiveWeek             int64   `json:"active_week"`
	TotalMessages          int64   `json:"total_messages"`
	TotalImages            int64   `json:"total_images"`
	AverageMessagesPerUser float64 `json:"average_messages_per_user"`
}

// UserExport 单个用户的完整导出
type UserExport struct {
	User       ChatUser       `json:"user"`
	History    []HistoryEntry `json:"history"`
	ExportedAt int64          `json:"exported_at"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status          string `json:"status"`
	Gateway         string `json:"gateway"`
	KeysAvailable   int    `json:"keys_available"`
	RoutesAvailable int    `json:"routes_available"`
	Timestamp       int64  `json:"timestamp"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// KeySuffix 只暴露密钥末尾几位
func KeySuffix(key string, n int) string {
	if key == "" {
		return "***"
	}
	if len(key) <= n {
		return "..." + key[len(key)/2:]
	}
	return "..." + key[len(key)-n:]
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().Unix(),
	}
}
