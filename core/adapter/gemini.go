package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	HeaderAPIKey = "x-goog-api-key"

	RoleUser  = "user"
	RoleModel = "model"

	defaultMaxOutputTokens = 8192
)

var blockNoneCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// GenerateOptions 构造 generateContent 请求的可选项
type GenerateOptions struct {
	UseSearch     bool
	UseURLContext bool
	// SystemInstruction 为空时不发送
	SystemInstruction string
}

// NewTextContent 单段文本的 content
func NewTextContent(role, text string) GeminiContent {
	return GeminiContent{Role: role, Parts: []GeminiPart{{Text: text}}}
}

// NewUserParts 组装本轮用户输入，文本和图片都为空时返回 nil
func NewUserParts(text, mimeType, base64Data string) []GeminiPart {
	var parts []GeminiPart
	if text != "" {
		parts = append(parts, GeminiPart{Text: text})
	}
	if base64Data != "" {
		parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{MimeType: mimeType, Data: base64Data}})
	}
	return parts
}

// BuildGenerateRequest 历史 + 本轮用户输入
func BuildGenerateRequest(history []GeminiContent, parts []GeminiPart, opts GenerateOptions) *GeminiRequest {
	contents := make([]GeminiContent, 0, len(history)+1)
	contents = append(contents, history...)
	contents = append(contents, GeminiContent{Role: RoleUser, Parts: parts})

	req := &GeminiRequest{
		Contents: contents,
		GenerationConfig: &GeminiConfig{
			MaxOutputTokens: defaultMaxOutputTokens,
			Temperature:     1.0,
			TopP:            0.95,
		},
		SafetySettings: make([]GeminiSafetySetting, 0, len(blockNoneCategories)),
	}
	for _, c := range blockNoneCategories {
		req.SafetySettings = append(req.SafetySettings, GeminiSafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}

	if opts.SystemInstruction != "" {
		si := NewTextContent(RoleUser, opts.SystemInstruction)
		req.SystemInstruction = &si
	}
	if opts.UseSearch {
		req.Tools = append(req.Tools, GeminiTool{GoogleSearch: &struct{}{}})
	}
	if opts.UseURLContext {
		req.Tools = append(req.Tools, GeminiTool{URLContext: &struct{}{}})
	}
	return req
}

// NewProbeRequest 连通性探测用的最小请求
func NewProbeRequest() *GeminiRequest {
	return &GeminiRequest{
		Contents:         []GeminiContent{NewTextContent(RoleUser, "test")},
		GenerationConfig: &GeminiConfig{MaxOutputTokens: 1},
	}
}

// NewGenerateContentRequest 构建 POST {base}/models/{model}:generateContent
func NewGenerateContentRequest(ctx context.Context, baseURL, model, apiKey string, body *GeminiRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(baseURL, "/"), model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAPIKey, apiKey)
	return req, nil
}

// ParseGenerateResponse 解析 200 响应体
func ParseGenerateResponse(data []byte) (*GeminiResponse, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FirstText 第一个候选的第一段文本
func (r *GeminiResponse) FirstText() (string, bool) {
	if r == nil || len(r.Candidates) == 0 {
		return "", false
	}
	parts := r.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == "" {
		return "", false
	}
	return parts[0].Text, true
}

// IsInvalidAPIKey 400 错误体是否指向密钥本身
func IsInvalidAPIKey(body []byte) bool {
	var e GeminiErrorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		for _, d := range e.Error.Details {
			if d.Reason == "API_KEY_INVALID" {
				return true
			}
		}
		if strings.Contains(e.Error.Message, "API key not valid") {
			return true
		}
	}
	s := string(body)
	return strings.Contains(s, "API_KEY_INVALID") || strings.Contains(s, "API key not valid")
}
