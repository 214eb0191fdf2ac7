package main

import (
	"chat-gateway/core"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// probeResult 单条线路的探测结果
type probeResult struct {
	Name    string
	Direct  bool
	Status  int
	Latency time.Duration
	ExitIP  string
	Err     error
}

// OK 线路可用
func (r probeResult) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// probeRoute 经由线路请求 target，解析返回中的出口 IP
func probeRoute(ctx context.Context, sel core.RouteSelection, target string, timeout time.Duration) probeResult {
	res := probeResult{Name: sel.Name, Direct: sel.Direct}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	resp, err := sel.Client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		res.Err = fmt.Errorf("read body: %w", err)
		return res
	}
	res.ExitIP = parseExitIP(body)
	return res
}

// parseExitIP 兼容 {"ip": "..."} 和纯文本两种返回
func parseExitIP(body []byte) string {
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.IP != "" {
		return payload.IP
	}
	text := strings.TrimSpace(string(body))
	if text == "" || strings.ContainsAny(text, " \n{<") {
		return "-"
	}
	return text
}

// probeAll 依次探测全部线路
func probeAll(ctx context.Context, selections []core.RouteSelection, target string, timeout time.Duration) []probeResult {
	results := make([]probeResult, 0, len(selections))
	for _, sel := range selections {
		results = append(results, probeRoute(ctx, sel, target, timeout))
	}
	return results
}
