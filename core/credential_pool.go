package core

import (
	"chat-gateway/models"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownCredential = errors.New("unknown credential")
)

const (
	keySuffixLen = 6
	encPrefix    = "enc:"

	DefaultRateLimitCooldown  = 10 * time.Minute
	DefaultBadRequestCooldown = 5 * time.Minute
)

// Credential 上游 API 凭证
// ID 是密钥的指纹，可以安全地写入日志和状态文件
type Credential struct {
	ID     string
	Secret string
}

// Suffix 脱敏后的密钥末尾
func (c Credential) Suffix() string {
	return models.KeySuffix(c.Secret, keySuffixLen)
}

// CredentialPoolOptions 凭证池参数
type CredentialPoolOptions struct {
	// StateFile 为空时不持久化
	StateFile          string
	RateLimitCooldown  time.Duration
	BadRequestCooldown time.Duration
	Now                func() time.Time
}

// CredentialPool 凭证轮询池 (线程安全)
// 永久封禁与冷却状态在每次变更后同步写入 StateFile
type CredentialPool struct {
	mu     sync.Mutex
	logger *logrus.Logger
	opts   CredentialPoolOptions

	creds     []Credential
	index     map[string]int // ID -> 下标
	uses      []int64
	blocked   map[string]struct{}
	cooldowns map[string]time.Time // ID -> 解锁时间
	cursor    int
}

// CredentialDetail 单个凭证状态（不含密钥明文）
type CredentialDetail struct {
	Index             int    `json:"index"`
	ID                string `json:"id"`
	KeySuffix         string `json:"key_suffix"`
	Status            string `json:"status"`
	CooldownRemaining int    `json:"cooldown_remaining"`
	Uses              int64  `json:"uses"`
}

// CredentialStatus 凭证池快照
type CredentialStatus struct {
	TotalKeys          int                `json:"total_keys"`
	AvailableKeys      int                `json:"available_keys"`
	BlockedKeys        int                `json:"blocked_keys"`
	CooldownKeys       int                `json:"cooldown_keys"`
	AllKeysUnavailable bool               `json:"all_keys_unavailable"`
	Details            []CredentialDetail `json:"details"`
}

type credentialStateFile struct {
	BlockedKeys  []string             `json:"blocked_keys"`
	KeyCooldowns map[string]time.Time `json:"key_cooldowns"`
	LastUpdated  time.Time            `json:"last_updated"`
}

// NewCredentialPool 创建凭证池并加载已保存的状态
// enc: 前缀的密钥通过 SecretProvider 解密，解密失败的密钥被跳过
func NewCredentialPool(keys []string, sp SecretProvider, opts CredentialPoolOptions, logger *logrus.Logger) *CredentialPool {
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if opts.BadRequestCooldown <= 0 {
		opts.BadRequestCooldown = DefaultBadRequestCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sp == nil {
		sp = NewNoOpSecretProvider()
	}

	p := &CredentialPool{
		logger:    logger,
		opts:      opts,
		index:     make(map[string]int),
		blocked:   make(map[string]struct{}),
		cooldowns: make(map[string]time.Time),
	}

	for _, raw := range keys {
		secret, err := DecryptValue(sp, strings.TrimSpace(raw))
		if err != nil {
			logger.Errorf("Failed to decrypt API key: %v", err)
			continue
		}
		if secret == "" {
			continue
		}
		id := fingerprint(secret)
		if _, dup := p.index[id]; dup {
			continue
		}
		p.index[id] = len(p.creds)
		p.creds = append(p.creds, Credential{ID: id, Secret: secret})
	}
	p.uses = make([]int64, len(p.creds))

	p.loadState()
	logger.Infof("📋 Loaded %d API keys (%d blocked, %d in cooldown)", len(p.creds), len(p.blocked), len(p.cooldowns))
	return p
}

// fingerprint 密钥指纹：sha256 前 12 位十六进制
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

// Len 凭证总数
func (p *CredentialPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Next 轮询获取下一个可用凭证
// 游标每检查一个位置就前进一次，最多绕一圈
func (p *CredentialPool) Next() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		p.logger.Error("No API keys configured")
		return Credential{}, false
	}

	now := p.opts.Now()
	p.pruneExpiredLocked(now)

	for attempts := 0; attempts < n; attempts++ {
		i := p.cursor
		p.cursor = (p.cursor + 1) % n

		c := p.creds[i]
		if _, ok := p.blocked[c.ID]; ok {
			continue
		}
		if until, ok := p.cooldowns[c.ID]; ok && now.Before(until) {
			p.logger.Debugf("Key %s in cooldown for %ds", c.Suffix(), int(until.Sub(now).Seconds()))
			continue
		}
		p.uses[i]++
		return c, true
	}

	p.logger.Error("💀 All API keys unavailable")
	return Credential{}, false
}

// ReportStatus 按上游状态码更新凭证状态
func (p *CredentialPool) ReportStatus(id string, statusCode int) {
	switch statusCode {
	case 429:
		p.ReportRateLimited(id, p.opts.RateLimitCooldown)
	case 403:
		p.ReportForbidden(id)
	case 400:
		p.ReportRateLimited(id, p.opts.BadRequestCooldown)
	}
}

// ReportRateLimited 将凭证冷却 d
func (p *CredentialPool) ReportRateLimited(id string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[id]
	if !ok {
		p.logger.Warnf("ReportRateLimited: unknown key id %s", id)
		return
	}
	p.cooldowns[id] = p.opts.Now().Add(d)
	p.logger.Warnf("🔒 Key %s cooling down for %s", p.creds[i].Suffix(), d)
	p.saveLocked()
}

// ReportForbidden 永久封禁凭证，直到 Unblock
func (p *CredentialPool) ReportForbidden(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[id]
	if !ok {
		p.logger.Warnf("ReportForbidden: unknown key id %s", id)
		return
	}
	p.blocked[id] = struct{}{}
	p.logger.Errorf("⛔ Key %s blocked permanently", p.creds[i].Suffix())
	p.saveLocked()
}

// Unblock 清除封禁和冷却（管理操作）
func (p *CredentialPool) Unblock(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, id)
	}
	delete(p.blocked, id)
	delete(p.cooldowns, id)
	p.logger.Infof("🔓 Key %s unblocked", p.creds[i].Suffix())
	p.saveLocked()
	return nil
}

// ResetCursor 游标回到第一个凭证
func (p *CredentialPool) ResetCursor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = 0
	p.logger.Info("🔄 Key rotation cursor reset")
}

// CleanupCooldowns 清理已过期的冷却，返回清理数量
func (p *CredentialPool) CleanupCooldowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := p.pruneExpiredLocked(p.opts.Now())
	if removed > 0 {
		p.logger.Infof("🧹 Cleaned %d expired key cooldowns", removed)
		p.saveLocked()
	}
	return removed
}

// Status 返回凭证池快照，不修改任何状态
func (p *CredentialPool) Status() CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	st := CredentialStatus{
		TotalKeys: len(p.creds),
		Details:   make([]CredentialDetail, 0, len(p.creds)),
	}

	for i, c := range p.creds {
		d := CredentialDetail{
			Index:     i,
			ID:        c.ID,
			KeySuffix: c.Suffix(),
			Status:    "available",
			Uses:      p.uses[i],
		}
		if _, ok := p.blocked[c.ID]; ok {
			d.Status = "blocked"
			st.BlockedKeys++
		} else if until, ok := p.cooldowns[c.ID]; ok && now.Before(until) {
			d.Status = "cooldown"
			d.CooldownRemaining = int(until.Sub(now).Seconds())
			st.CooldownKeys++
		} else {
			st.AvailableKeys++
		}
		st.Details = append(st.Details, d)
	}
	st.AllKeysUnavailable = st.AvailableKeys == 0
	return st
}

func (p *CredentialPool) pruneExpiredLocked(now time.Time) int {
	removed := 0
	for id, until := range p.cooldowns {
		if !now.Before(until) {
			delete(p.cooldowns, id)
			removed++
		}
	}
	return removed
}

// loadState 读取状态文件，只保留仍然有效的冷却和已知的凭证
func (p *CredentialPool) loadState() {
	if p.opts.StateFile == "" {
		return
	}
	data, err := os.ReadFile(p.opts.StateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Errorf("Failed to read key state %s: %v", p.opts.StateFile, err)
		}
		return
	}

	var state credentialStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		p.logger.Errorf("Failed to parse key state %s: %v", p.opts.StateFile, err)
		return
	}

	now := p.opts.Now()
	for _, id := range state.BlockedKeys {
		if _, ok := p.index[id]; ok {
			p.blocked[id] = struct{}{}
		}
	}
	for id, until := range state.KeyCooldowns {
		if _, ok := p.index[id]; ok && now.Before(until) {
			p.cooldowns[id] = until
		}
	}
}

// saveLocked 原子写入状态文件（临时文件 + rename），失败只记录日志
func (p *CredentialPool) saveLocked() {
	if p.opts.StateFile == "" {
		return
	}

	state := credentialStateFile{
		BlockedKeys:  make([]string, 0, len(p.blocked)),
		KeyCooldowns: make(map[string]time.Time, len(p.cooldowns)),
		LastUpdated:  p.opts.Now(),
	}
	for id := range p.blocked {
		state.BlockedKeys = append(state.BlockedKeys, id)
	}
	sort.Strings(state.BlockedKeys)
	for id, until := range p.cooldowns {
		state.KeyCooldowns[id] = until
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		p.logger.Errorf("Failed to encode key state: %v", err)
		return
	}
	if err := writeFileAtomic(p.opts.StateFile, data); err != nil {
		p.logger.Errorf("Failed to save key state: %v", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
