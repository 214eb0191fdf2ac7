package core

import (
	"chat-gateway/core/adapter"
	"chat-gateway/core/utils"
	"chat-gateway/models"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FailureReason 一次逻辑调用失败的稳定标签
type FailureReason string

const (
	ReasonAllKeysUnavailable FailureReason = "all_keys_unavailable"
	ReasonProxyUnavailable   FailureReason = "proxy_unavailable"
	ReasonBadRequest         FailureReason = "bad_request"
	ReasonMaxRetries         FailureReason = "max_retries_exceeded"
	ReasonEmptyMessage       FailureReason = "empty_message"
	ReasonEmptyResponse      FailureReason = "empty_response"
	ReasonJSONParse          FailureReason = "json_parse_error"
	ReasonProcessing         FailureReason = "processing_error"
)

func (r FailureReason) Error() string { return string(r) }

// ReasonOf 把任意错误映射为标签，未知错误视为 processing_error
func ReasonOf(err error) FailureReason {
	if err == nil {
		return ""
	}
	var r FailureReason
	if errors.As(err, &r) {
		return r
	}
	return ReasonProcessing
}

const maxResponseBytes = 16 << 20

type attemptOutcome string

const (
	outcomeSuccess        attemptOutcome = "success"
	outcomeParseError     attemptOutcome = "parse_error"
	outcomeOverloaded     attemptOutcome = "overloaded"
	outcomeRateLimited    attemptOutcome = "rate_limited"
	outcomeForbidden      attemptOutcome = "forbidden"
	outcomeBadRequest     attemptOutcome = "bad_request"
	outcomeUpstreamError  attemptOutcome = "upstream_error"
	outcomeTransportError attemptOutcome = "transport_error"
	outcomeAborted        attemptOutcome = "aborted"
)

type attemptResult struct {
	outcome    attemptOutcome
	status     int
	resp       *adapter.GeminiResponse
	invalidKey bool
	err        error
}

// DispatcherConfig 上游调用参数
type DispatcherConfig struct {
	BaseURL       string
	PrimaryModel  string
	FallbackModel string
	UseFallback   bool
	MaxAttempts   int
	// AttemptTimeout 单次物理请求超时，从调用方 ctx 派生
	AttemptTimeout    time.Duration
	RetryDelay        time.Duration
	SystemInstruction string
}

// SendOptions 单次发送的用户设置
type SendOptions struct {
	UseSearch     bool
	UseURLContext bool
	UsePersona    bool
}

// Reply 成功的回复
type Reply struct {
	Text       string
	Model      string
	Attempts   int
	DispatchID string
}

// ProbeResult 连通性探测结果
type ProbeResult struct {
	OK        bool   `json:"ok"`
	Model     string `json:"model"`
	Status    int    `json:"status"`
	Route     string `json:"route"`
	KeySuffix string `json:"key_suffix"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type DispatcherOption func(*Dispatcher)

// WithMetrics 注入 prometheus 指标
func WithMetrics(m *DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAttemptRecorder 每次物理请求都会写入 recorder
func WithAttemptRecorder(r AttemptRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithSleeper 替换重试间隔的等待函数（测试用）
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

// Dispatcher 把一次逻辑调用变成一组物理请求
// 每次请求从凭证池和线路池各取一项，并把结果回报给两个池
type Dispatcher struct {
	cfg      DispatcherConfig
	creds    CredentialSource
	routes   RouteSource
	logger   *logrus.Logger
	metrics  *DispatchMetrics
	recorder AttemptRecorder
	sleep    func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	lastModel string
}

func NewDispatcher(cfg DispatcherConfig, creds CredentialSource, routes RouteSource, logger *logrus.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	d := &Dispatcher{
		cfg:    cfg,
		creds:  creds,
		routes: routes,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tiers 本次调用要尝试的模型，主模型在前
func (d *Dispatcher) Tiers() []string {
	tiers := []string{d.cfg.PrimaryModel}
	if d.cfg.UseFallback && d.cfg.FallbackModel != "" && d.cfg.FallbackModel != d.cfg.PrimaryModel {
		tiers = append(tiers, d.cfg.FallbackModel)
	}
	return tiers
}

// LastModel 最近一次成功使用的模型，只用于展示
func (d *Dispatcher) LastModel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastModel == "" {
		return d.cfg.PrimaryModel
	}
	return d.lastModel
}

// Send 发送一轮对话
// 失败时返回的错误可以用 ReasonOf 取得标签
func (d *Dispatcher) Send(ctx context.Context, history []adapter.GeminiContent, message string, att *Attachment, opts SendOptions) (*Reply, error) {
	var mimeType, data string
	if att != nil && len(att.Data) > 0 {
		mimeType, data = att.MimeType, att.Base64()
	}
	parts := adapter.NewUserParts(message, mimeType, data)
	if len(parts) == 0 {
		d.logger.Warn("⚠️ Empty message, skipping upstream request")
		d.metrics.observeDispatch(string(ReasonEmptyMessage))
		return nil, ReasonEmptyMessage
	}

	genOpts := adapter.GenerateOptions{
		UseSearch:     opts.UseSearch,
		UseURLContext: opts.UseURLContext,
	}
	if opts.UsePersona {
		genOpts.SystemInstruction = d.cfg.SystemInstruction
	}
	body := adapter.BuildGenerateRequest(history, parts, genOpts)

	dispatchID := uuid.NewString()
	d.logger.Debugf("📝 Dispatch %s: %d history entries", dispatchID, len(history))

	resp, model, attempts, err := d.dispatch(ctx, dispatchID, body)
	if err != nil {
		d.logger.Errorf("❌ Dispatch %s failed: %v", dispatchID, err)
		d.metrics.observeDispatch(string(ReasonOf(err)))
		return nil, err
	}

	text, ok := resp.FirstText()
	if !ok {
		d.logger.Warnf("⚠️ Dispatch %s: model %s returned no text", dispatchID, model)
		d.metrics.observeDispatch(string(ReasonEmptyResponse))
		return nil, ReasonEmptyResponse
	}

	if model != d.cfg.PrimaryModel {
		d.logger.Infof("✅ Reply from fallback model %s", model)
	}
	d.metrics.observeDispatch("ok")
	return &Reply{Text: text, Model: model, Attempts: attempts, DispatchID: dispatchID}, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, dispatchID string, body *adapter.GeminiRequest) (*adapter.GeminiResponse, string, int, error) {
	tiers := d.Tiers()
	total := 0

tiers:
	for ti, model := range tiers {
		canEscalate := ti < len(tiers)-1
		if ti > 0 {
			d.logger.Warnf("🔄 Switching to fallback model: %s", model)
		}

		for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
			cred, ok := d.creds.Next()
			if !ok {
				d.logger.Error("🔴 All API keys unavailable")
				return nil, model, total, ReasonAllKeysUnavailable
			}
			route, ok := d.routes.Next()
			if !ok {
				d.logger.Error("🔴 No egress route available")
				return nil, model, total, ReasonProxyUnavailable
			}
			total++

			d.logger.Infof("🎯 Attempt %d/%d (model: %s): key %s via %s",
				attempt, d.cfg.MaxAttempts, model, cred.Suffix(), route.Name)

			res := d.attempt(ctx, dispatchID, total, model, cred, route, body)

			switch res.outcome {
			case outcomeSuccess:
				d.routes.ReportSuccess(route.RouteID)
				d.mu.Lock()
				d.lastModel = model
				d.mu.Unlock()
				return res.resp, model, total, nil

			case outcomeParseError:
				return nil, model, total, fmt.Errorf("%w: %v", ReasonJSONParse, res.err)

			case outcomeOverloaded:
				if canEscalate {
					d.logger.Warnf("🔄 Model %s overloaded (503), escalating", model)
					continue tiers
				}
				d.routes.ReportError(route.RouteID, res.status)

			case outcomeRateLimited:
				d.creds.ReportStatus(cred.ID, http.StatusTooManyRequests)
				d.routes.ReportError(route.RouteID, res.status)

			case outcomeForbidden:
				d.creds.ReportStatus(cred.ID, http.StatusForbidden)

			case outcomeBadRequest:
				if res.invalidKey {
					d.creds.ReportStatus(cred.ID, http.StatusBadRequest)
				}
				return nil, model, total, ReasonBadRequest

			case outcomeUpstreamError:
				d.routes.ReportError(route.RouteID, res.status)

			case outcomeTransportError:
				d.routes.ReportError(route.RouteID, 0)

			case outcomeAborted:
				return nil, model, total, fmt.Errorf("%w: %w", ReasonProcessing, res.err)
			}

			if attempt < d.cfg.MaxAttempts {
				if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
					return nil, model, total, fmt.Errorf("%w: %w", ReasonProcessing, err)
				}
			}
		}
	}

	d.logger.Error("❌ All attempts exhausted for every model")
	return nil, tiers[len(tiers)-1], total, ReasonMaxRetries
}

// attempt 执行一次物理请求并分类结果，不修改任何池
func (d *Dispatcher) attempt(ctx context.Context, dispatchID string, n int, model string, cred Credential, route RouteSelection, body *adapter.GeminiRequest) (res attemptResult) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		d.metrics.observeAttempt(model, res.outcome, elapsed.Seconds())
		d.record(dispatchID, n, model, cred, route, res, elapsed)
	}()

	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := adapter.NewGenerateContentRequest(actx, d.cfg.BaseURL, model, cred.Secret, body)
	if err != nil {
		return attemptResult{outcome: outcomeAborted, err: err}
	}

	client := route.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			d.logger.Warnf("⚠️ Request canceled by caller: %v", ctx.Err())
			return attemptResult{outcome: outcomeAborted, err: ctx.Err()}
		}
		d.logger.Errorf("📡 Transport error via %s: %v", route.Name, err)
		return attemptResult{outcome: outcomeTransportError, err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{outcome: outcomeAborted, status: resp.StatusCode, err: ctx.Err()}
		}
		d.logger.Errorf("📡 Failed to read response via %s: %v", route.Name, err)
		return attemptResult{outcome: outcomeTransportError, status: resp.StatusCode, err: err}
	}

	d.logger.Infof("📡 Response: %d %s", resp.StatusCode, utils.StatusText(resp.StatusCode))
	res = classifyResponse(resp.StatusCode, data)

	switch res.outcome {
	case outcomeSuccess:
		if u := res.resp.UsageMetadata; u != nil {
			d.metrics.observeTokens(model, u.PromptTokenCount, u.CandidatesTokenCount)
		}
		d.logger.Infof("✅ Success: %s via %s", model, route.Name)
	case outcomeParseError:
		d.logger.Errorf("💥 Failed to parse upstream JSON: %v", res.err)
	case outcomeRateLimited:
		d.logger.Errorf("⏳ Rate limit hit for key %s", cred.Suffix())
	case outcomeForbidden:
		d.logger.Errorf("⛔ Key %s rejected (403)", cred.Suffix())
	default:
		d.logger.Errorf("❌ Attempt failed %d: %s", res.status, utils.Truncate(string(data), 200))
	}
	return res
}

// classifyResponse 按状态码和响应体判定结果
func classifyResponse(status int, data []byte) attemptResult {
	switch {
	case status == http.StatusOK:
		parsed, err := adapter.ParseGenerateResponse(data)
		if err != nil {
			return attemptResult{outcome: outcomeParseError, status: status, err: err}
		}
		return attemptResult{outcome: outcomeSuccess, status: status, resp: parsed}
	case status == http.StatusServiceUnavailable:
		return attemptResult{outcome: outcomeOverloaded, status: status}
	case status == http.StatusTooManyRequests:
		return attemptResult{outcome: outcomeRateLimited, status: status}
	case status == http.StatusForbidden:
		return attemptResult{outcome: outcomeForbidden, status: status}
	case status == http.StatusBadRequest:
		return attemptResult{outcome: outcomeBadRequest, status: status, invalidKey: adapter.IsInvalidAPIKey(data)}
	default:
		return attemptResult{outcome: outcomeUpstreamError, status: status, err: errors.New(utils.Truncate(string(data), 200))}
	}
}

func (d *Dispatcher) record(dispatchID string, n int, model string, cred Credential, route RouteSelection, res attemptResult, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	entry := &models.AttemptLog{
		DispatchID: dispatchID,
		Attempt:    n,
		Model:      model,
		Route:      route.Name,
		KeySuffix:  cred.Suffix(),
		StatusCode: res.status,
		Outcome:    string(res.outcome),
		Duration:   elapsed.Milliseconds(),
	}
	if res.err != nil {
		entry.ErrorMsg = utils.Truncate(res.err.Error(), 500)
	}
	d.recorder.Record(entry)
}

// TestConnection 用最小请求探测主模型，主模型 503 时再探测备用模型
// 探测结果不回报给任何池
func (d *Dispatcher) TestConnection(ctx context.Context) (*ProbeResult, error) {
	cred, ok := d.creds.Next()
	if !ok {
		return nil, ReasonAllKeysUnavailable
	}
	route, ok := d.routes.Next()
	if !ok {
		return nil, ReasonProxyUnavailable
	}

	tiers := d.Tiers()
	var result *ProbeResult
	for i, model := range tiers {
		result = d.probe(ctx, model, cred, route)
		if result.Status != http.StatusServiceUnavailable || i == len(tiers)-1 {
			break
		}
		d.logger.Info("⚠️ Primary model unavailable (503), probing fallback")
	}
	return result, nil
}

func (d *Dispatcher) probe(ctx context.Context, model string, cred Credential, route RouteSelection) *ProbeResult {
	result := &ProbeResult{Model: model, Route: route.Name, KeySuffix: cred.Suffix()}
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := adapter.NewGenerateContentRequest(pctx, d.cfg.BaseURL, model, cred.Secret, adapter.NewProbeRequest())
	if err != nil {
		result.Error = err.Error()
		return result
	}
	client := route.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	result.Status = resp.StatusCode
	result.OK = resp.StatusCode == http.StatusOK
	if !result.OK {
		result.Error = utils.StatusText(resp.StatusCode)
	}
	return result
}
