package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateRoute = errors.New("duplicate route name")
	ErrUnknownRoute   = errors.New("unknown route")
)

const defaultRoutePriority = 999

// RouteConfigEntry 配置文件中的一条线路
type RouteConfigEntry struct {
	Name  string `json:"name" yaml:"name"`
	HTTP  string `json:"http,omitempty" yaml:"http,omitempty"`
	HTTPS string `json:"https,omitempty" yaml:"https,omitempty"`
	// Direct 为 true 时不走代理，但依然参与统计和轮询
	Direct   bool  `json:"direct,omitempty" yaml:"direct,omitempty"`
	Enabled  *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority *int  `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// IsEnabled 未配置 enabled 时视为启用
func (e RouteConfigEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// EffectivePriority 未配置 priority 时为 999
func (e RouteConfigEntry) EffectivePriority() int {
	if e.Priority == nil {
		return defaultRoutePriority
	}
	return *e.Priority
}

// ProxyURL 上游走 https，优先使用 https 代理地址
func (e RouteConfigEntry) ProxyURL() string {
	if e.HTTPS != "" {
		return e.HTTPS
	}
	return e.HTTP
}

// RouteSettings 线路池全局参数
type RouteSettings struct {
	EnableDirectFallback bool `json:"enable_direct_connection_fallback" yaml:"enable_direct_connection_fallback"`
	RotationEnabled      bool `json:"proxy_rotation_enabled" yaml:"proxy_rotation_enabled"`
	MaxConsecutiveErrors int  `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	CooldownSeconds      int  `json:"cooldown_duration_seconds" yaml:"cooldown_duration_seconds"`
	SuccessScoreBonus    int  `json:"success_score_bonus" yaml:"success_score_bonus"`
	ErrorScorePenalty    int  `json:"error_score_penalty" yaml:"error_score_penalty"`
}

// RouteConfig 线路配置文件
type RouteConfig struct {
	Proxies  []RouteConfigEntry `json:"proxies" yaml:"proxies"`
	Settings RouteSettings      `json:"settings" yaml:"settings"`
}

// DefaultRouteConfig 默认配置：无代理，允许直连兜底
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		Proxies: []RouteConfigEntry{},
		Settings: RouteSettings{
			EnableDirectFallback: true,
			RotationEnabled:      true,
			MaxConsecutiveErrors: 3,
			CooldownSeconds:      600,
			SuccessScoreBonus:    1,
			ErrorScorePenalty:    -5,
		},
	}
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadRouteConfig 读取线路配置，文件不存在时写入默认配置
// 返回的线路已去除禁用项并按优先级稳定排序
func LoadRouteConfig(path string) (RouteConfig, bool, error) {
	cfg := DefaultRouteConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := SaveRouteConfig(path, cfg); err != nil {
			return cfg, false, err
		}
		return cfg, true, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("read route config: %w", err)
	}

	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return RouteConfig{}, false, fmt.Errorf("parse route config %s: %w", path, err)
	}

	if err := cfg.normalize(); err != nil {
		return RouteConfig{}, false, err
	}
	return cfg, false, nil
}

// SaveRouteConfig 按扩展名写入 JSON 或 YAML
func SaveRouteConfig(path string, cfg RouteConfig) error {
	var (
		data []byte
		err  error
	)
	if isYAMLPath(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode route config: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write route config: %w", err)
	}
	return nil
}

func (c *RouteConfig) normalize() error {
	enabled := make([]RouteConfigEntry, 0, len(c.Proxies))
	seen := make(map[string]struct{}, len(c.Proxies))

	for i, e := range c.Proxies {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			e.Name = fmt.Sprintf("Proxy_%d", i)
		}
		if e.Name == DirectRouteID {
			return fmt.Errorf("route name %s is reserved", DirectRouteID)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, e.Name)
		}
		seen[e.Name] = struct{}{}

		if !e.IsEnabled() {
			continue
		}
		if !e.Direct && e.ProxyURL() == "" {
			return fmt.Errorf("route %s: proxy url is empty", e.Name)
		}
		enabled = append(enabled, e)
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].EffectivePriority() < enabled[j].EffectivePriority()
	})
	c.Proxies = enabled

	if c.Settings.MaxConsecutiveErrors <= 0 {
		c.Settings.MaxConsecutiveErrors = 3
	}
	if c.Settings.CooldownSeconds < 0 {
		c.Settings.CooldownSeconds = 0
	}
	if c.Settings.ErrorScorePenalty > 0 {
		c.Settings.ErrorScorePenalty = -c.Settings.ErrorScorePenalty
	}
	return nil
}
