package core

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DirectRouteID 直连兜底的哨兵 ID，不参与统计
	DirectRouteID   = "__direct__"
	directRouteName = "Direct Connection"

	initialRouteScore = 100
)

// RouteSelection 一次请求使用的出口
type RouteSelection struct {
	RouteID string
	Name    string
	Direct  bool
	// ProxyURL 已脱敏，仅用于日志
	ProxyURL string
	Client   *http.Client
}

// IsFallback 是否为直连兜底（非配置中的线路）
func (s RouteSelection) IsFallback() bool {
	return s.RouteID == DirectRouteID
}

type routeState struct {
	entry    RouteConfigEntry
	proxyURL *url.URL
	client   *http.Client

	requests          int64
	errors            int64
	consecutiveErrors int
	score             int
	lastSuccess       time.Time
	lastError         time.Time
}

// RouteDetail 单条线路统计
type RouteDetail struct {
	Name              string  `json:"name"`
	Index             int     `json:"index"`
	Priority          int     `json:"priority"`
	Direct            bool    `json:"direct"`
	Requests          int64   `json:"requests"`
	Errors            int64   `json:"errors"`
	SuccessRate       float64 `json:"success_rate"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	Score             int     `json:"score"`
	Status            string  `json:"status"`
	CooldownRemaining int     `json:"cooldown_remaining"`
	LastSuccess       string  `json:"last_success"`
	LastError         string  `json:"last_error"`
}

// RouteStats 线路池快照
type RouteStats struct {
	TotalRoutes             int           `json:"total_proxies"`
	AvailableRoutes         int           `json:"available_proxies"`
	BlockedRoutes           int           `json:"blocked_proxies"`
	CooldownRoutes          int           `json:"cooldown_proxies"`
	DirectConnectionEnabled bool          `json:"direct_connection_enabled"`
	RotationEnabled         bool          `json:"rotation_enabled"`
	Strategy                string        `json:"strategy"`
	Details                 []RouteDetail `json:"details"`
}

// EgressPool 出口线路池 (线程安全)
// 配置来自 JSON/YAML 文件，Reload 时整体重建
type EgressPool struct {
	mu     sync.Mutex
	logger *logrus.Logger
	path   string
	sp     SecretProvider
	now    func() time.Time

	strategies map[string]Strategy

	settings  RouteSettings
	routes    []*routeState
	byName    map[string]int
	blocked   map[string]struct{}
	cooldowns map[string]time.Time
	cursor    int
	direct    RouteSelection
}

// NewEgressPool 加载线路配置，文件不存在时生成默认配置
func NewEgressPool(path string, sp SecretProvider, logger *logrus.Logger, now func() time.Time) (*EgressPool, error) {
	if sp == nil {
		sp = NewNoOpSecretProvider()
	}
	if now == nil {
		now = time.Now
	}

	p := &EgressPool{
		logger:     logger,
		path:       path,
		sp:         sp,
		now:        now,
		strategies: make(map[string]Strategy),
		direct: RouteSelection{
			RouteID: DirectRouteID,
			Name:    directRouteName,
			Direct:  true,
			Client:  newRouteClient(nil),
		},
	}
	p.RegisterStrategy(&RoundRobinStrategy{})
	p.RegisterStrategy(&FallbackStrategy{})

	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// RegisterStrategy 注册选择策略，同名策略会被替换
func (p *EgressPool) RegisterStrategy(s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategies[s.Name()] = s
}

// newRouteClient proxy 为 nil 时直连
// 不设置整体超时，由请求 Context 控制
func newRouteClient(proxy *url.URL) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: transport}
}

func (p *EgressPool) buildRoutes(cfg RouteConfig) ([]*routeState, error) {
	routes := make([]*routeState, 0, len(cfg.Proxies))
	for _, e := range cfg.Proxies {
		rs := &routeState{entry: e, score: initialRouteScore}
		if !e.Direct {
			raw, err := DecryptValue(p.sp, e.ProxyURL())
			if err != nil {
				return nil, fmt.Errorf("route %s: decrypt proxy url: %w", e.Name, err)
			}
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("route %s: invalid proxy url: %w", e.Name, err)
			}
			switch u.Scheme {
			case "http", "https", "socks5":
			default:
				return nil, fmt.Errorf("route %s: unsupported proxy scheme %q", e.Name, u.Scheme)
			}
			rs.proxyURL = u
		}
		rs.client = newRouteClient(rs.proxyURL)
		routes = append(routes, rs)
	}
	return routes, nil
}

// Reload 重新读取配置并重置游标、封禁和冷却
// 配置有误时保持当前状态不变
func (p *EgressPool) Reload() error {
	cfg, created, err := LoadRouteConfig(p.path)
	if err != nil {
		p.logger.Errorf("❌ Failed to load route config: %v", err)
		return err
	}
	if created {
		p.logger.Infof("✅ Created default route config: %s", p.path)
	}
	routes, err := p.buildRoutes(cfg)
	if err != nil {
		p.logger.Errorf("❌ Failed to build routes: %v", err)
		return err
	}

	byName := make(map[string]int, len(routes))
	for i, r := range routes {
		byName[r.entry.Name] = i
	}

	p.mu.Lock()
	previous := p.routes
	p.settings = cfg.Settings
	p.routes = routes
	p.byName = byName
	p.blocked = make(map[string]struct{})
	p.cooldowns = make(map[string]time.Time)
	p.cursor = -1
	strategy := p.strategyNameLocked()
	p.mu.Unlock()

	// 进行中的请求不受影响，只关闭旧线路的空闲连接
	for _, r := range previous {
		r.client.CloseIdleConnections()
	}

	p.logger.Infof("🔄 Route config loaded: %d -> %d routes (strategy=%s, direct_fallback=%v)",
		len(previous), len(routes), strategy, cfg.Settings.EnableDirectFallback)
	return nil
}

func (p *EgressPool) strategyNameLocked() string {
	if p.settings.RotationEnabled {
		return StrategyRoundRobin
	}
	return StrategyFallback
}

func (p *EgressPool) usableLocked(i int, now time.Time) bool {
	name := p.routes[i].entry.Name
	if _, ok := p.blocked[name]; ok {
		return false
	}
	if until, ok := p.cooldowns[name]; ok && now.Before(until) {
		return false
	}
	return true
}

func (p *EgressPool) selectionLocked(i int) RouteSelection {
	r := p.routes[i]
	sel := RouteSelection{
		RouteID: r.entry.Name,
		Name:    r.entry.Name,
		Direct:  r.proxyURL == nil,
		Client:  r.client,
	}
	if r.proxyURL != nil {
		sel.ProxyURL = r.proxyURL.Redacted()
	}
	return sel
}

// Next 选择下一条可用线路
// 全部不可用时按配置返回直连兜底
func (p *EgressPool) Next() (RouteSelection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for name, until := range p.cooldowns {
		if !now.Before(until) {
			delete(p.cooldowns, name)
		}
	}

	if len(p.routes) == 0 {
		p.logger.Debug("No routes configured")
	} else {
		strategy := p.strategies[p.strategyNameLocked()]
		idx, ok := strategy.Select(&p.cursor, len(p.routes), func(i int) bool {
			return p.usableLocked(i, now)
		})
		if ok {
			sel := p.selectionLocked(idx)
			p.logger.Debugf("✅ Using route: %s", sel.Name)
			return sel, true
		}
		p.logger.Warn("⚠️ All routes unavailable")
	}

	if p.settings.EnableDirectFallback {
		p.logger.Info("🔄 Falling back to direct connection")
		return p.direct, true
	}
	return RouteSelection{}, false
}

// ReportSuccess 记录成功，清零连续错误并解除封禁
func (p *EgressPool) ReportSuccess(routeID string) {
	if routeID == DirectRouteID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.byName[routeID]
	if !ok {
		p.logger.Warnf("ReportSuccess: %v: %s", ErrUnknownRoute, routeID)
		return
	}
	r := p.routes[i]
	r.requests++
	r.consecutiveErrors = 0
	r.lastSuccess = p.now()
	r.score = min(initialRouteScore, r.score+p.settings.SuccessScoreBonus)
	delete(p.blocked, routeID)
}

// ReportError 记录失败；连续错误达到上限后封禁，429 额外进入冷却
// statusCode 为 0 表示传输层错误
func (p *EgressPool) ReportError(routeID string, statusCode int) {
	if routeID == DirectRouteID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.byName[routeID]
	if !ok {
		p.logger.Warnf("ReportError: %v: %s", ErrUnknownRoute, routeID)
		return
	}
	now := p.now()
	r := p.routes[i]
	r.requests++
	r.errors++
	r.consecutiveErrors++
	r.lastError = now
	r.score = max(0, r.score+p.settings.ErrorScorePenalty)

	if r.consecutiveErrors >= p.settings.MaxConsecutiveErrors {
		if _, already := p.blocked[routeID]; !already {
			p.logger.Warnf("🚫 Route %s blocked after %d consecutive errors", routeID, r.consecutiveErrors)
		}
		p.blocked[routeID] = struct{}{}
	}

	if statusCode == http.StatusTooManyRequests {
		d := time.Duration(p.settings.CooldownSeconds) * time.Second
		p.cooldowns[routeID] = now.Add(d)
		p.logger.Warnf("⏰ Route %s cooling down for %s (429)", routeID, d)
	}
}

// Stats 返回线路池快照，不修改任何状态
func (p *EgressPool) Stats() RouteStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := RouteStats{
		TotalRoutes:             len(p.routes),
		DirectConnectionEnabled: p.settings.EnableDirectFallback,
		RotationEnabled:         p.settings.RotationEnabled,
		Strategy:                p.strategyNameLocked(),
		Details:                 make([]RouteDetail, 0, len(p.routes)),
	}

	for i, r := range p.routes {
		name := r.entry.Name
		d := RouteDetail{
			Name:              name,
			Index:             i,
			Priority:          r.entry.EffectivePriority(),
			Direct:            r.proxyURL == nil,
			Requests:          r.requests,
			Errors:            r.errors,
			SuccessRate:       successRate(r.requests, r.errors),
			ConsecutiveErrors: r.consecutiveErrors,
			Score:             r.score,
			Status:            "available",
			LastSuccess:       clockOrNever(r.lastSuccess),
			LastError:         clockOrNever(r.lastError),
		}
		until, cooling := p.cooldowns[name]
		cooling = cooling && now.Before(until)
		if cooling {
			d.CooldownRemaining = int(until.Sub(now).Seconds())
		}

		if _, blocked := p.blocked[name]; blocked {
			d.Status = "blocked"
			st.BlockedRoutes++
		} else if cooling {
			d.Status = "cooldown"
			st.CooldownRoutes++
		} else {
			st.AvailableRoutes++
		}
		st.Details = append(st.Details, d)
	}
	return st
}

// Selections 返回全部线路（以及启用时的直连兜底），供探测工具使用
func (p *EgressPool) Selections() []RouteSelection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RouteSelection, 0, len(p.routes)+1)
	for i := range p.routes {
		out = append(out, p.selectionLocked(i))
	}
	if p.settings.EnableDirectFallback {
		out = append(out, p.direct)
	}
	return out
}

func successRate(requests, errors int64) float64 {
	if requests == 0 {
		return 100
	}
	rate := float64(requests-errors) / float64(requests) * 100
	return math.Round(rate*10) / 10
}

func clockOrNever(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("15:04:05")
}
