package core

import (
	"chat-gateway/core/adapter"
	"chat-gateway/models"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUserNotFound = errors.New("user not found")

const DefaultHistoryLimit = 10

// UserSessionStore 用户设置、对话历史与统计 (gorm)
type UserSessionStore struct {
	db           *gorm.DB
	logger       *logrus.Logger
	historyLimit int
	now          func() time.Time
}

// NewUserSessionStore historyLimit 为每个用户保留的最多对话轮数
func NewUserSessionStore(db *gorm.DB, historyLimit int, logger *logrus.Logger, now func() time.Time) *UserSessionStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if now == nil {
		now = time.Now
	}
	return &UserSessionStore{db: db, logger: logger, historyLimit: historyLimit, now: now}
}

// HistoryLimit 每个用户保留的最多轮数
func (s *UserSessionStore) HistoryLimit() int { return s.historyLimit }

// GetOrCreate 获取用户，不存在时以默认设置创建
func (s *UserSessionStore) GetOrCreate(userID string) (*models.ChatUser, error) {
	return s.getOrCreate(s.db, userID)
}

func (s *UserSessionStore) getOrCreate(tx *gorm.DB, userID string) (*models.ChatUser, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}

	var user models.ChatUser
	err := tx.Where("user_id = ?", userID).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.now()
	user = models.ChatUser{
		UserID:          userID,
		UseGoogleSearch: true,
		UseURLContext:   true,
		UsePersona:      true,
		SessionCount:    1,
		FirstSeen:       now,
		LastActive:      now,
	}
	// 并发创建时以先写入的为准
	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).Create(&user)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if err := tx.Where("user_id = ?", userID).First(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	s.logger.Infof("👤 New chat user: %s", userID)
	return &user, nil
}

// History 按时间顺序返回最近 limit 轮（limit<=0 返回全部）
func (s *UserSessionStore) History(userID string, limit int) ([]models.HistoryEntry, error) {
	user, err := s.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}
	return s.history(user.ID, limit)
}

func (s *UserSessionStore) history(chatUserID uint, limit int) ([]models.HistoryEntry, error) {
	q := s.db.Where("chat_user_id = ?", chatUserID).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.HistoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GeminiHistory 最近 HistoryLimit 轮，转成上游 contents 格式
func (s *UserSessionStore) GeminiHistory(userID string) ([]adapter.GeminiContent, error) {
	entries, err := s.History(userID, s.historyLimit)
	if err != nil {
		return nil, err
	}
	out := ToGeminiHistory(entries)
	s.logger.Debugf("📜 History for %s: %d entries -> %d messages", userID, len(entries), len(out))
	return out, nil
}

// ToGeminiHistory 每轮对话拆成 user/model 两条，空白的一侧跳过
func ToGeminiHistory(entries []models.HistoryEntry) []adapter.GeminiContent {
	out := make([]adapter.GeminiContent, 0, len(entries)*2)
	for _, e := range entries {
		if strings.TrimSpace(e.UserMessage) != "" {
			out = append(out, adapter.NewTextContent(adapter.RoleUser, e.UserMessage))
		}
		if strings.TrimSpace(e.AssistantResponse) != "" {
			out = append(out, adapter.NewTextContent(adapter.RoleModel, e.AssistantResponse))
		}
	}
	return out
}

// AppendExchange 追加一轮对话并更新统计，超出上限的旧记录被删除
func (s *UserSessionStore) AppendExchange(userID, userMessage, assistantResponse string, hasImage bool) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.getOrCreate(tx, userID)
		if err != nil {
			return err
		}
		now := s.now()

		entry := models.HistoryEntry{
			ChatUserID:        user.ID,
			UserMessage:       userMessage,
			AssistantResponse: assistantResponse,
			HasImage:          hasImage,
			CreatedAt:         now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		var pivotID uint
		if err := tx.Model(&models.HistoryEntry{}).Where("chat_user_id = ?", user.ID).
			Select("id").Order("id desc").Offset(s.historyLimit).Limit(1).Scan(&pivotID).Error; err != nil {
			return fmt.Errorf("find history pivot: %w", err)
		}
		if pivotID > 0 {
			if err := tx.Where("chat_user_id = ? AND id <= ?", user.ID, pivotID).Delete(&models.HistoryEntry{}).Error; err != nil {
				return err
			}
		}

		images := 0
		if hasImage {
			images = 1
		}
		return tx.Model(&models.ChatUser{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"total_messages":       gorm.Expr("total_messages + 1"),
			"total_images":         gorm.Expr("total_images + ?", images),
			"total_chars_sent":     gorm.Expr("total_chars_sent + ?", utf8.RuneCountInString(userMessage)),
			"total_chars_received": gorm.Expr("total_chars_received + ?", utf8.RuneCountInString(assistantResponse)),
			"last_seen":            now,
			"last_active":          now,
		}).Error
	})
}

// ClearHistory 清空历史并开始新会话
func (s *UserSessionStore) ClearHistory(userID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.getOrCreate(tx, userID)
		if err != nil {
			return err
		}
		if err := tx.Where("chat_user_id = ?", user.ID).Delete(&models.HistoryEntry{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatUser{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"session_count": gorm.Expr("session_count + 1"),
			"last_active":   s.now(),
		}).Error
	})
	if err == nil {
		s.logger.Infof("🗑️ History cleared for %s", userID)
	}
	return err
}

// Settings 用户当前设置
func (s *UserSessionStore) Settings(userID string) (models.ChatSettings, error) {
	user, err := s.GetOrCreate(userID)
	if err != nil {
		return models.ChatSettings{}, err
	}
	return settingsOf(user), nil
}

func settingsOf(u *models.ChatUser) models.ChatSettings {
	return models.ChatSettings{
		UseGoogleSearch: u.UseGoogleSearch,
		UseURLContext:   u.UseURLContext,
		UsePersona:      u.UsePersona,
	}
}

// UpdateSettings 只更新请求中给出的字段
func (s *UserSessionStore) UpdateSettings(userID string, req models.UpdateSettingsRequest) (models.ChatSettings, error) {
	user, err := s.GetOrCreate(userID)
	if err != nil {
		return models.ChatSettings{}, err
	}

	// 用 map 更新，否则 false 会被 gorm 当作零值跳过
	updates := map[string]interface{}{"last_active": s.now()}
	if req.UseGoogleSearch != nil {
		updates["use_google_search"] = *req.UseGoogleSearch
	}
	if req.UseURLContext != nil {
		updates["use_url_context"] = *req.UseURLContext
	}
	if req.UsePersona != nil {
		updates["use_persona"] = *req.UsePersona
	}
	if err := s.db.Model(user).Updates(updates).Error; err != nil {
		return models.ChatSettings{}, err
	}
	if err := s.db.First(user, user.ID).Error; err != nil {
		return models.ChatSettings{}, err
	}
	s.logger.Infof("⚙️ Settings updated for %s", userID)
	return settingsOf(user), nil
}

// Summary 全部用户的汇总统计
func (s *UserSessionStore) Summary() (models.UsersSummary, error) {
	var sum models.UsersSummary
	now := s.now()

	if err := s.db.Model(&models.ChatUser{}).Count(&sum.TotalUsers).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&models.ChatUser{}).Where("last_seen > ?", now.Add(-24*time.Hour)).Count(&sum.ActiveToday).Error; err != nil {
		return sum, err
	}
	if err := s.db.Model(&models.ChatUser{}).Where("last_seen > ?", now.Add(-7*24*time.Hour)).Count(&sum.ActiveWeek).Error; err != nil {
		return sum, err
	}

	var totals struct {
		Messages int64
		Images   int64
	}
	if err := s.db.Model(&models.ChatUser{}).
		Select("COALESCE(SUM(total_messages), 0) AS messages, COALESCE(SUM(total_images), 0) AS images").
		Scan(&totals).Error; err != nil {
		return sum, err
	}
	sum.TotalMessages = totals.Messages
	sum.TotalImages = totals.Images

	users := sum.TotalUsers
	if users < 1 {
		users = 1
	}
	sum.AverageMessagesPerUser = math.Round(float64(sum.TotalMessages)/float64(users)*10) / 10
	return sum, nil
}

// CleanupInactive 删除 days 天内没有活动的用户及其历史
func (s *UserSessionStore) CleanupInactive(days int) (int, error) {
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	var ids []uint
	if err := s.db.Model(&models.ChatUser{}).Where("last_active < ?", cutoff).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_user_id IN ?", ids).Delete(&models.HistoryEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ChatUser{}, ids).Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.Infof("🧹 Removed %d inactive users", len(ids))
	return len(ids), nil
}

// Export 用户全部数据，不存在时返回 ErrUserNotFound
func (s *UserSessionStore) Export(userID string) (*models.UserExport, error) {
	var user models.ChatUser
	if err := s.db.Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, err
	}
	history, err := s.history(user.ID, 0)
	if err != nil {
		return nil, err
	}
	return &models.UserExport{
		User:       user,
		History:    history,
		ExportedAt: s.now().Unix(),
	}, nil
}

// Delete 删除用户及其历史，返回是否存在
func (s *UserSessionStore) Delete(userID string) (bool, error) {
	var user models.ChatUser
	if err := s.db.Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_user_id = ?", user.ID).Delete(&models.HistoryEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
	if err != nil {
		return false, err
	}
	s.logger.Infof("🗑️ All data deleted for user %s", userID)
	return true, nil
}
