package models

import (
	"time"

	"gorm.io/gorm"
)

// ChatUser 聊天用户（设置 + 统计）
type ChatUser struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"`

	// 用户设置
	UseGoogleSearch bool `gorm:"default:true" json:"use_google_search"`
	UseURLContext   bool `gorm:"default:true" json:"use_url_context"`
	UsePersona      bool `gorm:"default:true" json:"use_persona"`

	// 统计信息
	TotalMessages      int       `gorm:"default:0" json:"total_messages"`
	TotalImages        int       `gorm:"default:0" json:"total_images"`
	TotalCharsSent     int       `gorm:"default:0" json:"total_chars_sent"`
	TotalCharsReceived int       `gorm:"default:0" json:"total_chars_received"`
	SessionCount       int       `gorm:"default:1" json:"session_count"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	LastActive         time.Time `gorm:"index" json:"last_active"`
	CreatedAt          time.Time `json:"created_at"`

	History []HistoryEntry `gorm:"foreignKey:ChatUserID;constraint:OnDelete:CASCADE" json:"history,omitempty"`
}

// HistoryEntry 一轮对话（用户消息 + 模型回复）
type HistoryEntry struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ChatUserID        uint      `gorm:"index;not null" json:"-"`
	UserMessage       string    `json:"user"`
	AssistantResponse string    `json:"assistant"`
	HasImage          bool      `json:"has_image"`
	CreatedAt         time.Time `json:"timestamp"`
}

// AttemptLog 单次物理请求记录（不含密钥明文）
type AttemptLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	DispatchID string    `gorm:"index" json:"dispatch_id"`
	Attempt    int       `json:"attempt"`
	Model      string    `json:"model"`
	Route      string    `json:"route"`
	KeySuffix  string    `json:"key_suffix"`
	StatusCode int       `json:"status_code"`
	Outcome    string    `json:"outcome"`
	Duration   int64     `json:"duration_ms"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ChatUser{},
		&HistoryEntry{},
		&AttemptLog{},
	)
}
