package core

import (
	"chat-gateway/models"
)

// CredentialSource 抽象凭证池（由 CredentialPool 实现）
// Dispatcher 只依赖此接口，便于在测试中替换
type CredentialSource interface {
	// Next 轮询返回下一个可用凭证，全部不可用时返回 false
	Next() (Credential, bool)
	// ReportStatus 按上游状态码更新凭证：429 冷却，403 永久封禁，400 短冷却
	ReportStatus(id string, statusCode int)
}

// RouteSource 抽象出口线路池（由 EgressPool 实现）
type RouteSource interface {
	// Next 返回下一条可用线路（可能是直连兜底），无可用线路时返回 false
	Next() (RouteSelection, bool)
	ReportSuccess(routeID string)
	// ReportError statusCode 为 0 表示传输层错误
	ReportError(routeID string, statusCode int)
}

// Strategy 线路选择策略
// 输入候选数量与游标，输出被选中的索引
type Strategy interface {
	// Name 返回策略名称，如 "round_robin", "fallback"
	Name() string

	// Select 执行选择逻辑
	// cursor: 池内游标（round_robin 会推进它）
	// usable: 判断某个索引当前是否可用
	Select(cursor *int, n int, usable func(i int) bool) (int, bool)
}

// SecretProvider 抽象密钥加解密
// 用于读取配置时自动解密 API Key 和代理地址
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// AttemptRecorder 记录每一次物理请求（由 AsyncAttemptLogger 实现）
type AttemptRecorder interface {
	Record(entry *models.AttemptLog)
}
