// Package config 从环境变量（以及可选的 .env 文件）加载网关配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config 网关全部配置
type Config struct {
	Port     int    `env:"PORT" envDefault:"5000"`
	GinMode  string `env:"GIN_MODE" envDefault:"release"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFile 为空时只输出到 stdout
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	LogBackups   int    `env:"LOG_BACKUPS" envDefault:"1"`
	DBPath       string `env:"DB_PATH" envDefault:"webapp.db"`
	AdminToken   string `env:"ADMIN_TOKEN"`
	SecretKey    string `env:"SECRET_KEY"`

	// Upstream
	APIKeys           []string      `env:"GEMINI_API_KEYS" envSeparator:","`
	BaseURL           string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	PrimaryModel      string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	FallbackModel     string        `env:"GEMINI_FALLBACK_MODEL" envDefault:"gemini-2.0-flash"`
	UseFallback       bool          `env:"USE_FALLBACK_MODEL" envDefault:"true"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	AttemptTimeout    time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"60s"`
	RetryDelay        time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	SystemInstruction string        `env:"SYSTEM_INSTRUCTION"`

	// Pools
	KeyStateFile            string        `env:"KEY_STATE_FILE" envDefault:"api_keys_state.json"`
	KeyRateLimitCooldown    time.Duration `env:"KEY_RATE_LIMIT_COOLDOWN" envDefault:"10m"`
	KeyBadRequestCooldown   time.Duration `env:"KEY_BAD_REQUEST_COOLDOWN" envDefault:"5m"`
	ProxyConfigFile         string        `env:"PROXY_CONFIG_FILE" envDefault:"proxy_config.json"`
	CooldownCleanupInterval time.Duration `env:"COOLDOWN_CLEANUP_INTERVAL" envDefault:"5m"`

	// Chat
	HistoryLimit        int     `env:"HISTORY_LIMIT" envDefault:"10"`
	MaxImageMB          int     `env:"MAX_IMAGE_MB" envDefault:"50"`
	RateLimitRPS        float64 `env:"RATE_LIMIT_RPS" envDefault:"1"`
	RateLimitBurst      int     `env:"RATE_LIMIT_BURST" envDefault:"5"`
	AttemptLogRetention int     `env:"ATTEMPT_LOG_RETENTION" envDefault:"500"`
}

// Load 读取 .env（不存在时忽略）并解析环境变量
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIKeys = normalizeKeys(cfg.APIKeys)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查配置取值范围
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("ATTEMPT_TIMEOUT must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("RETRY_DELAY must not be negative")
	}
	if strings.TrimSpace(c.PrimaryModel) == "" {
		return fmt.Errorf("GEMINI_MODEL must not be empty")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("HISTORY_LIMIT must not be negative")
	}
	if c.MaxImageMB <= 0 {
		return fmt.Errorf("MAX_IMAGE_MB must be positive")
	}
	if c.SecretKey != "" {
		switch len(c.SecretKey) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("SECRET_KEY must be 16, 24 or 32 bytes, got %d", len(c.SecretKey))
		}
	}
	return nil
}

// AdminEnabled 未配置 ADMIN_TOKEN 时不开放 /admin
func (c Config) AdminEnabled() bool {
	return c.AdminToken != ""
}

// normalizeKeys 去空白、去重，保持原有顺序
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
