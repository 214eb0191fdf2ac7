package core

import (
	"chat-gateway/core/security"
	"errors"
	"strings"
)

// ErrSecretKeyRequired enc: 前缀的值需要配置 SECRET_KEY
var ErrSecretKeyRequired = errors.New("encrypted value requires SECRET_KEY")

// NoOpSecretProvider 未配置 SECRET_KEY 时使用的明文透传实现
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (s *NoOpSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (s *NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

// NewSecretProvider secretKey 为空时返回 NoOp，否则返回 AES-GCM 实现
func NewSecretProvider(secretKey string) (SecretProvider, error) {
	if secretKey == "" {
		return NewNoOpSecretProvider(), nil
	}
	sp, err := security.NewAESSecretProvider(secretKey)
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// DecryptValue 只解密带 enc: 前缀的值，其余原样返回
// 未配置密钥时 enc: 值直接报错，不会把密文当明文使用
func DecryptValue(sp SecretProvider, value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	if isNoOp(sp) {
		return "", ErrSecretKeyRequired
	}
	return sp.Decrypt(strings.TrimPrefix(value, encPrefix))
}

// EncryptValue 加密并加上 enc: 前缀，可直接写入配置
func EncryptValue(sp SecretProvider, plaintext string) (string, error) {
	if isNoOp(sp) {
		return "", ErrSecretKeyRequired
	}
	ct, err := sp.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return encPrefix + ct, nil
}

func isNoOp(sp SecretProvider) bool {
	if sp == nil {
		return true
	}
	_, ok := sp.(*NoOpSecretProvider)
	return ok
}
