package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics 上游调用指标，nil 时所有方法为空操作
type DispatchMetrics struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	tokens          *prometheus.CounterVec
}

// NewDispatchMetrics 创建并注册到 reg
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Physical upstream attempts by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Logical dispatches by result (ok or failure reason)",
			},
			[]string{"result"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_tokens_total",
				Help: "Tokens reported by the upstream usage metadata",
			},
			[]string{"model", "kind"},
		),
	}
	reg.MustRegister(m.attempts, m.attemptDuration, m.dispatches, m.tokens)
	return m
}

func (m *DispatchMetrics) observeAttempt(model string, outcome attemptOutcome, seconds float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(model, string(outcome)).Inc()
	m.attemptDuration.WithLabelValues(model).Observe(seconds)
}

func (m *DispatchMetrics) observeDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *DispatchMetrics) observeTokens(model string, prompt, candidates int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(model, "candidates").Add(float64(candidates))
}

// RegisterPoolGauges 导出凭证池和线路池的可用数量
func RegisterPoolGauges(reg prometheus.Registerer, creds *CredentialPool, routes *EgressPool) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_credentials_available",
			Help: "API keys currently usable",
		}, func() float64 { return float64(creds.Status().AvailableKeys) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_credentials_blocked",
			Help: "API keys blocked permanently",
		}, func() float64 { return float64(creds.Status().BlockedKeys) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_routes_available",
			Help: "Egress routes currently usable",
		}, func() float64 { return float64(routes.Stats().AvailableRoutes) }),
	)
}

// HTTPMetrics 入站请求指标
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewHTTPMetrics 创建并注册到 reg
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"route", "method"},
		),
	}
	reg.MustRegister(m.Requests, m.Duration)
	return m
}
